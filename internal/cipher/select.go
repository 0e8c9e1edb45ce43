package cipher

import "fmt"

// Suite names the configured symmetric cipher, matching the CLI's cipher
// selection option (spec §6).
type Suite string

const (
	SuiteAESGCM   Suite = "aes-gcm"
	SuiteAESCBC   Suite = "aes-cbc"
	SuiteAESECB   Suite = "aes-ecb" // legacy
	SuiteSM4CBC   Suite = "sm4-cbc"
	SuiteNone     Suite = "none"
)

// New builds the Envelope for suite, wrapping it with a fingerprint if
// fingerprintKey is non-empty.
func New(suite Suite, key []byte, fingerprintKey []byte) (Envelope, error) {
	var (
		env Envelope
		err error
	)
	switch suite {
	case SuiteAESGCM:
		env, err = NewAESGCM(key)
	case SuiteAESCBC:
		env, err = NewAESCBCMAC(key)
	case SuiteAESECB:
		env, err = NewAESECB(key)
	case SuiteSM4CBC:
		env, err = NewSM4CBC(key)
	case SuiteNone, "":
		env, err = NoOp{}, nil
	default:
		return nil, fmt.Errorf("cipher: unknown suite %q", suite)
	}
	if err != nil {
		return nil, err
	}
	if len(fingerprintKey) > 0 {
		env = Fingerprinted{Inner: env, Key: fingerprintKey}
	}
	return env, nil
}
