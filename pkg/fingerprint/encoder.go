package fingerprint

import (
	"math/big"

	"github.com/cascata/cascata/pkg/domain"
)

// base96Alphabet is the display alphabet the authoring corpus uses for
// compressed hash references.
const base96Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz" +
	"!#$%&()*+,-./:;<=>?@[]^_`{|}~"

var base96 = big.NewInt(int64(len(base96Alphabet)))

// EncodeBase96 renders a fingerprint in the compact base96 display form. The
// hex form from Fingerprint.String remains the wire encoding; base96 is for
// human-facing references only.
func EncodeBase96(fp domain.Fingerprint) string {
	value := new(big.Int).SetBytes(fp.Bytes())
	if value.Sign() == 0 {
		return string(base96Alphabet[0])
	}

	var digits []byte
	mod := new(big.Int)
	for value.Sign() > 0 {
		value.DivMod(value, base96, mod)
		digits = append(digits, base96Alphabet[mod.Int64()])
	}

	for i, j := 0, len(digits)-1; i < j; i, j = i+1, j-1 {
		digits[i], digits[j] = digits[j], digits[i]
	}
	return string(digits)
}
