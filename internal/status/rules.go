package status

import (
	"github.com/punchamoorthee/walletcore/internal/domain"
)

// Rule maps a predicate over a transaction's operations to a status.
type Rule struct {
	Name   string
	Match  func(ops []domain.Operation) bool
	Status domain.TransactionStatus
}

// RuleTable is evaluated top to bottom; the first matching rule wins and
// Fallback applies when nothing matches.
type RuleTable struct {
	Rules    []Rule
	Fallback domain.TransactionStatus
}

func (t RuleTable) Evaluate(ops []domain.Operation) (domain.TransactionStatus, string) {
	for _, r := range t.Rules {
		if r.Match(ops) {
			return r.Status, r.Name
		}
	}
	return t.Fallback, "fallback"
}

func completed(opType domain.OperationType) func([]domain.Operation) bool {
	return func(ops []domain.Operation) bool {
		for _, op := range ops {
			if op.Type == opType && op.Status == domain.OperationCompleted {
				return true
			}
		}
		return false
	}
}

func anyFailed(ops []domain.Operation) bool {
	for _, op := range ops {
		if op.Status == domain.OperationFailed {
			return true
		}
	}
	return false
}

// cancelled matches an explicitly cancelled operation or a completed reversal.
func cancelled(ops []domain.Operation) bool {
	for _, op := range ops {
		if op.Status == domain.OperationCancelled {
			return true
		}
		if op.Type == domain.OperationReversal && op.Status == domain.OperationCompleted {
			return true
		}
	}
	return false
}

var cancellationRule = Rule{Name: "cancellation", Match: cancelled, Status: domain.StatusCancelled}
var failureRule = Rule{Name: "failure", Match: anyFailed, Status: domain.StatusFailed}

// Tables holds the rule table of every transaction type.
var Tables = map[domain.TransactionType]RuleTable{
	domain.TransactionDeposit: {
		Rules: []Rule{
			cancellationRule,
			{Name: "release", Match: completed(domain.OperationRelease), Status: domain.StatusAvailable},
			{Name: "deposit", Match: completed(domain.OperationDeposit), Status: domain.StatusComplianceReview},
			failureRule,
		},
		Fallback: domain.StatusInitiated,
	},
	domain.TransactionInvestment: {
		Rules: []Rule{
			cancellationRule,
			{Name: "finalization", Match: completed(domain.OperationRelease), Status: domain.StatusAvailable},
			{Name: "fund-lock", Match: completed(domain.OperationInvest), Status: domain.StatusComplianceReview},
			failureRule,
		},
		Fallback: domain.StatusInitiated,
	},
	domain.TransactionWithdrawal: {
		Rules: []Rule{
			cancellationRule,
			{Name: "completion", Match: completed(domain.OperationRelease), Status: domain.StatusAvailable},
			failureRule,
		},
		Fallback: domain.StatusInitiated,
	},
}

// Derive computes the status of a transaction of type t from its operations.
// PENDING operations never influence the result and the order of ops is
// irrelevant.
func Derive(t domain.TransactionType, ops []domain.Operation) domain.TransactionStatus {
	s, _ := derive(t, ops)
	return s
}

func derive(t domain.TransactionType, ops []domain.Operation) (domain.TransactionStatus, string) {
	table, ok := Tables[t]
	if !ok {
		return domain.StatusInitiated, "unknown-type"
	}
	settled := make([]domain.Operation, 0, len(ops))
	for _, op := range ops {
		if op.Status != domain.OperationPending {
			settled = append(settled, op)
		}
	}
	return table.Evaluate(settled)
}
