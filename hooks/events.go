package hooks

// CheckpointPayload describes one PrepareCheckpoint/PerformCheckpoint cycle.
type CheckpointPayload struct {
	LSN uint64
	// NewFileID is zero when the checkpoint drained nothing.
	NewFileID    uint32
	TableVersion uint64
	FileCount    int
}

func NewPreCheckpointEvent(payload CheckpointPayload) HookEvent {
	return &BaseEvent{eventType: EventPreCheckpoint, payload: payload}
}

func NewPostCheckpointEvent(payload CheckpointPayload) HookEvent {
	return &BaseEvent{eventType: EventPostCheckpoint, payload: payload}
}

// ConsolidationPayload identifies a background consolidation task.
type ConsolidationPayload struct {
	TaskID     uint64
	InputIDs   []uint32
	Background bool
}

func NewPreConsolidationEvent(payload ConsolidationPayload) HookEvent {
	return &BaseEvent{eventType: EventPreConsolidation, payload: payload}
}

// MergePayload describes a merge before and after it writes its output.
type MergePayload struct {
	InputIDs []uint32
	// OutputID is zero before the write and when every entry was reclaimed.
	OutputID          uint32
	OutputSize        int64
	DroppedTombstones int
	DroppedSuperseded int
}

func NewPreMergeWriteEvent(payload MergePayload) HookEvent {
	return &BaseEvent{eventType: EventPreMergeWrite, payload: payload}
}

func NewPostMergeWriteEvent(payload MergePayload) HookEvent {
	return &BaseEvent{eventType: EventPostMergeWrite, payload: payload}
}

// TableSwapPayload describes an atomic metadata table replacement.
type TableSwapPayload struct {
	OldVersion uint64
	NewVersion uint64
	Added      []uint32
	Removed    []uint32
}

func NewPreTableSwapEvent(payload TableSwapPayload) HookEvent {
	return &BaseEvent{eventType: EventPreTableSwap, payload: payload}
}

func NewPostTableSwapEvent(payload TableSwapPayload) HookEvent {
	return &BaseEvent{eventType: EventPostTableSwap, payload: payload}
}

// FilePayload identifies a checkpoint file pair.
type FilePayload struct {
	ID        uint32
	KeyPath   string
	ValuePath string
	Size      int64
}

func NewPostFileCreateEvent(payload FilePayload) HookEvent {
	return &BaseEvent{eventType: EventPostFileCreate, payload: payload}
}

func NewPreFileDeleteEvent(payload FilePayload) HookEvent {
	return &BaseEvent{eventType: EventPreFileDelete, payload: payload}
}

// RecoveryPayload summarises what Open found on disk.
type RecoveryPayload struct {
	TableVersion   uint64
	FileCount      int
	DiscardedFiles []string
}

func NewPostRecoveryEvent(payload RecoveryPayload) HookEvent {
	return &BaseEvent{eventType: EventPostRecovery, payload: payload}
}

func NewPreCloseEngineEvent() HookEvent {
	return &BaseEvent{eventType: EventPreCloseEngine}
}

func NewPostCloseEngineEvent() HookEvent {
	return &BaseEvent{eventType: EventPostCloseEngine}
}
