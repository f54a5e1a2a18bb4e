package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/alanyoungcy/swapbot/internal/domain"
	"github.com/alanyoungcy/swapbot/internal/platform/solana"
)

const codeSimulationFailed = -32002

var (
	expiredMarkers = []string{
		"blockhash not found",
		"blockhashnotfound",
		"block height exceeded",
		"transaction expired",
	}
	insufficientMarkers = []string{
		"insufficient funds",
		"insufficientfunds",
		"insufficient lamports",
		"attempt to debit an account but found no record of a prior credit",
		"accountnotfound",
	}
	customProgramMarkers = []string{
		"custom program error",
		`"custom"`,
	}
)

// ClassifyFailure maps a ledger-reported error text onto a failure kind. The
// checks run in a fixed order so a message matching several markers gets the
// most specific kind.
func ClassifyFailure(code int, text string) domain.FailureKind {
	lower := strings.ToLower(text)
	switch {
	case containsAny(lower, expiredMarkers):
		return domain.FailureExpiredReference
	case containsAny(lower, insufficientMarkers):
		return domain.FailureInsufficientFunds
	case containsAny(lower, customProgramMarkers):
		return domain.FailureCustomProgram
	case code == codeSimulationFailed || strings.Contains(lower, "transaction simulation failed"):
		return domain.FailureSimulation
	default:
		return domain.FailureUnknown
	}
}

// classifyError classifies an RPC error. Errors that are not node-reported
// are unknown.
func classifyError(err error) (domain.FailureKind, string) {
	var re *solana.RPCError
	if errors.As(err, &re) {
		return ClassifyFailure(re.Code, re.Message+" "+re.Data), re.Message
	}
	return domain.FailureUnknown, err.Error()
}

func classifyStatusErr(raw []byte) (domain.FailureKind, string) {
	text := string(raw)
	return ClassifyFailure(0, text), fmt.Sprintf("transaction failed: %s", text)
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
