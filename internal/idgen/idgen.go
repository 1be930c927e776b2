// Package idgen generates identifiers for marketplace records.
//
// Internal records (listings, orders, escrow transactions) use prefixed
// random hex ids. Codes a person reads aloud or types into another system
// (pickup PINs, pledge references) use short formats from their own
// namespaces so they can never be mistaken for each other.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// Record prefixes.
const (
	ListingPrefix     = "lst_"
	OrderPrefix       = "ord_"
	TransactionPrefix = "txn_"
	WithdrawalPrefix  = "wd_"
	AuditPrefix       = "aud_"
)

// PledgePrefix starts every pledge reference, e.g. PLG-7KQ2-M9XD.
const PledgePrefix = "PLG-"

// PickupPrefix starts every pickup credential, e.g. PIN-4829.
const PickupPrefix = "PIN-"

// pledgeAlphabet drops 0/O, 1/I/L and U so references survive being read
// over the phone or typed by hand.
const pledgeAlphabet = "23456789ABCDEFGHJKMNPQRSTVWXYZ"

// New returns a random RFC 4122 UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "ord_", "txn_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// PickupCode returns a four digit pickup credential.
func PickupCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return fmt.Sprintf("%s%04d", PickupPrefix, n.Int64())
}

// PledgeCode returns a pledge reference in the form PLG-XXXX-XXXX.
func PledgeCode() string {
	var sb strings.Builder
	sb.WriteString(PledgePrefix)
	max := big.NewInt(int64(len(pledgeAlphabet)))
	for i := 0; i < 8; i++ {
		if i == 4 {
			sb.WriteByte('-')
		}
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
		sb.WriteByte(pledgeAlphabet[n.Int64()])
	}
	return sb.String()
}

// IsPledgeCode reports whether s is shaped like a pledge reference.
func IsPledgeCode(s string) bool {
	if len(s) != len(PledgePrefix)+9 || !strings.HasPrefix(s, PledgePrefix) {
		return false
	}
	body := s[len(PledgePrefix):]
	for i := 0; i < len(body); i++ {
		if i == 4 {
			if body[i] != '-' {
				return false
			}
			continue
		}
		if !strings.ContainsRune(pledgeAlphabet, rune(body[i])) {
			return false
		}
	}
	return true
}
