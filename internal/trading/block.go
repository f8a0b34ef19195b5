package trading

import "strings"

// BlockKind identifies who refused a leg.
type BlockKind string

const (
	BlockGuard          BlockKind = "GUARD_BLOCKED"
	BlockRisk           BlockKind = "RISK_BLOCKED"
	BlockDuplicate      BlockKind = "DUPLICATE_BLOCKED"
	BlockBrokerRejected BlockKind = "BROKER_REJECTED"
)

// Details used by the guard and the command service.
const (
	DetailDuplicateEntry          = "duplicate_entry"
	DetailCrossStrategyConflict   = "cross_strategy_conflict"
	DetailBatchRejected           = "batch_rejected"
	DetailCancelledBeforeDispatch = "cancelled_before_dispatch"
)

// BlockReason is the structured cause of a FAILED record. It is persisted
// in OrderRecord.Tag as "<KIND>:<detail>".
type BlockReason struct {
	Kind   BlockKind
	Detail string
}

// GuardBlocked returns a guard block with detail.
func GuardBlocked(detail string) BlockReason {
	return BlockReason{Kind: BlockGuard, Detail: detail}
}

// RiskBlocked returns a risk block naming the violated rule.
func RiskBlocked(rule string) BlockReason {
	return BlockReason{Kind: BlockRisk, Detail: rule}
}

// DuplicateBlocked returns a duplicate-entry block.
func DuplicateBlocked(detail string) BlockReason {
	return BlockReason{Kind: BlockDuplicate, Detail: detail}
}

// BrokerRejected returns a broker rejection carrying the broker's reason.
func BrokerRejected(reason string) BlockReason {
	return BlockReason{Kind: BlockBrokerRejected, Detail: reason}
}

// Tag serialises the reason for OrderRecord.Tag.
func (b BlockReason) Tag() string {
	return string(b.Kind) + ":" + b.Detail
}

func (b BlockReason) String() string {
	return b.Tag()
}

// PreventsDispatch reports whether a CREATED record carrying this reason
// must be failed instead of sent to the broker.
func (b BlockReason) PreventsDispatch() bool {
	switch b.Kind {
	case BlockGuard, BlockRisk, BlockDuplicate:
		return true
	case BlockBrokerRejected:
		return false
	}
	return false
}

// ParseBlockReason reverses Tag. Tags that do not start with a known kind,
// such as ORPHAN_BROKER_ORDER or free text, report false.
func ParseBlockReason(tag string) (BlockReason, bool) {
	kind, detail, ok := strings.Cut(tag, ":")
	if !ok {
		return BlockReason{}, false
	}
	switch k := BlockKind(kind); k {
	case BlockGuard, BlockRisk, BlockDuplicate, BlockBrokerRejected:
		return BlockReason{Kind: k, Detail: detail}, true
	}
	return BlockReason{}, false
}
