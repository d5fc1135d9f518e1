package domain

import "fmt"

// Stage 订单状态机里的一个阶段，每个阶段绑定一条链上交易 (leg)
type Stage uint8

const (
	StageReceive Stage = iota + 1
	StageIssue
	StageBurn
	StageTransferTo
)

func (s Stage) String() string {
	switch s {
	case StageReceive:
		return "receive"
	case StageIssue:
		return "issue"
	case StageBurn:
		return "burn"
	case StageTransferTo:
		return "transfer_to"
	default:
		return fmt.Sprintf("stage(%d)", uint8(s))
	}
}

// Inbound 入账阶段由 Watcher 发现，出账阶段由 Commit Protocol 创建
func (s Stage) Inbound() bool { return s == StageReceive }

// stageStatuses 阶段 -> 状态集合，显式表格，不拼字符串
type stageStatuses struct {
	CommitOK Status // 入账阶段没有 commit
	Pending  Status
	OK       Status
	Err      Status
}

var statusTable = map[Stage]stageStatuses{
	StageReceive: {
		Pending: StatusReceivePending,
		OK:      StatusReceiveOK,
		Err:     StatusReceiveErr,
	},
	StageIssue: {
		CommitOK: StatusIssueCommitOK,
		Pending:  StatusIssuePending,
		OK:       StatusIssueOK,
		Err:      StatusIssueErr,
	},
	StageBurn: {
		CommitOK: StatusBurnCommitOK,
		Pending:  StatusBurnPending,
		OK:       StatusBurnOK,
		Err:      StatusBurnErr,
	},
	StageTransferTo: {
		CommitOK: StatusTransferToCommitOK,
		Pending:  StatusTransferToPending,
		OK:       StatusTransferToOK,
		Err:      StatusTransferToErr,
	},
}

func (s Stage) CommitOK() Status { return statusTable[s].CommitOK }
func (s Stage) Pending() Status  { return statusTable[s].Pending }
func (s Stage) OK() Status       { return statusTable[s].OK }
func (s Stage) Err() Status      { return statusTable[s].Err }

// StageOf 状态属于哪个阶段；pending 和 ok 不属于任何阶段
func StageOf(st Status) (Stage, bool) {
	for stage, set := range statusTable {
		switch st {
		case set.CommitOK, set.Pending, set.OK, set.Err:
			if st != "" {
				return stage, true
			}
		}
	}
	return 0, false
}

// Flow 订单类型对应的阶段序列
type Flow []Stage

var flows = map[OrderType]Flow{
	OrderTypeDeposit:    {StageReceive, StageIssue},
	OrderTypeWithdrawal: {StageReceive, StageBurn, StageTransferTo},
}

// FlowOf TRASH 或未知类型返回 nil
func FlowOf(t OrderType) Flow { return flows[t] }

func (f Flow) index(s Stage) int {
	for i, st := range f {
		if st == s {
			return i
		}
	}
	return -1
}

// Contains 阶段是否属于该流程
func (f Flow) Contains(s Stage) bool { return f.index(s) >= 0 }

// EntryStatus 进入阶段 s 之前订单应处于的状态：首阶段是 pending，其余是前一阶段的 ok
func (f Flow) EntryStatus(s Stage) Status {
	i := f.index(s)
	switch {
	case i < 0:
		return ""
	case i == 0:
		return StatusPending
	default:
		return f[i-1].OK()
	}
}

// Last 流程的最后一个阶段
func (f Flow) Last() Stage {
	if len(f) == 0 {
		return 0
	}
	return f[len(f)-1]
}

// Position 订单当前所处的位置
//   - done=true: 已经是终态 ok
//   - 否则 stage 为当前要推进的阶段；finalize=true 表示所有阶段都已 ok，只差切到终态
type Position struct {
	Stage    Stage
	Done     bool
	Finalize bool
}

// Locate 根据状态计算订单在流程中的位置
func (f Flow) Locate(st Status) (Position, error) {
	if len(f) == 0 {
		return Position{}, ErrUnknownOrderType
	}
	if st == StatusOK {
		return Position{Done: true}, nil
	}
	if st == StatusPending {
		return Position{Stage: f[0]}, nil
	}
	stage, ok := StageOf(st)
	if !ok || !f.Contains(stage) {
		return Position{}, fmt.Errorf("%w: %q", ErrUnknownStatus, st)
	}
	if st != stage.OK() {
		return Position{Stage: stage}, nil
	}
	i := f.index(stage)
	if i == len(f)-1 {
		return Position{Stage: stage, Finalize: true}, nil
	}
	return Position{Stage: f[i+1]}, nil
}

// Accepts 阶段 s 是否还能在当前状态下推进（初始 / commit_ok / pending / err）
func (f Flow) Accepts(st Status, s Stage) bool {
	if !f.Contains(s) {
		return false
	}
	switch st {
	case f.EntryStatus(s), s.CommitOK(), s.Pending(), s.Err():
		return st != ""
	}
	return false
}

// Past 订单是否已越过阶段 s：此时对 s 的任何调用都必须是无副作用的
func (f Flow) Past(st Status, s Stage) bool {
	if st == StatusOK {
		return true
	}
	pos, err := f.Locate(st)
	if err != nil {
		return false
	}
	cur := f.index(pos.Stage)
	target := f.index(s)
	if pos.Finalize {
		return target <= cur
	}
	return target >= 0 && target < cur
}
