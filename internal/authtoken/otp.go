package authtoken

import (
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// EnrollSecret generates a new TOTP secret for the owner to scan into an
// authenticator app, keyed under the given account label.
func EnrollSecret(issuer, account string) (*otp.Key, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
	})
	if err != nil {
		return nil, fmt.Errorf("authtoken: generate otp secret: %w", err)
	}
	return key, nil
}

// currentCode generates the TOTP code for secret at the current moment;
// used by tests to avoid hardcoding a code that would drift with time.Now.
func currentCode(secret string) (string, error) {
	return totp.GenerateCode(secret, time.Now())
}

// ValidateCode checks a 6-digit TOTP code against the enrolled secret,
// allowing the standard ±1 time-step skew.
func ValidateCode(secret, code string) bool {
	ok, err := totp.ValidateCustom(code, secret, time.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return false
	}
	return ok
}
