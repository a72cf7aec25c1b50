package chain

import (
	"errors"
	"strings"
)

// ErrGasPriceRejected marks a send the node refused because of the explicit
// gas price. Nothing reached the mempool, so resending with node pricing
// cannot duplicate the transaction.
var ErrGasPriceRejected = errors.New("gas price rejected")

// Node error texts that reject a fee without admitting the transaction.
var gasRejections = []string{
	"transaction underpriced",
	"max fee per gas less than block base fee",
	"fee cap less than block base fee",
	"gas price too low",
	"exceeds the configured cap",
}

// IsGasPriceRejection reports whether err says the node refused the gas
// price. A replacement rejection means an earlier send with the same nonce
// is pending, which is not a pricing problem.
func IsGasPriceRejection(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrGasPriceRejected) {
		return true
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "replacement transaction underpriced") {
		return false
	}
	for _, s := range gasRejections {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
