package session

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/jmcleod/cloudcam/internal/util"
)

const (
	totpDigits = 6
	totpPeriod = 30
)

var totpEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// decodeTOTPSecret accepts the forms authenticator setup screens show:
// lower or upper case, grouped with spaces or dashes, with or without
// padding.
func decodeTOTPSecret(secret string) ([]byte, error) {
	s := strings.ToUpper(secret)
	s = strings.NewReplacer(" ", "", "-", "", "=", "").Replace(s)
	raw, err := totpEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty secret")
	}
	return raw, nil
}

// totpCodeAt implements RFC 6238 with SHA-1, six digits and a 30 second step.
func totpCodeAt(key []byte, at time.Time) string {
	counter := uint64(at.Unix() / totpPeriod)
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)

	mac := hmac.New(sha1.New, key)
	_, _ = mac.Write(msg[:])
	sum := mac.Sum(nil)
	offset := sum[len(sum)-1] & 0x0f
	binCode := (int(sum[offset])&0x7f)<<24 |
		(int(sum[offset+1])&0xff)<<16 |
		(int(sum[offset+2])&0xff)<<8 |
		(int(sum[offset+3]) & 0xff)
	otp := binCode % 1000000
	return fmt.Sprintf("%06d", otp)
}

// normalizeCode folds a typed code into six ASCII digits or fails.
func normalizeCode(code string) (string, error) {
	code = util.NormalizeDigits(code)
	if len(code) != totpDigits {
		return "", ErrInvalidMFACode
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return "", ErrInvalidMFACode
		}
	}
	return code, nil
}
