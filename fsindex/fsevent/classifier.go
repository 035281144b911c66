package fsevent

import (
	"fmt"
)

// EventKind is what happened to the entry, as far as the flags can tell.
type EventKind uint8

const (
	KindNone EventKind = iota
	KindCreate
	KindDelete
	KindModify
)

func (k EventKind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindDelete:
		return "delete"
	case KindModify:
		return "modify"
	default:
		return "none"
	}
}

// ScanAction is the amount of filesystem re-inspection an event demands.
type ScanAction uint8

const (
	// ScanNop is bookkeeping only, no filesystem access.
	ScanNop ScanAction = iota
	// ScanSingleNode stats the one affected path.
	ScanSingleNode
	// ScanFolder re-lists the affected directory one level deep.
	ScanFolder
	// ScanReScan re-walks the whole affected subtree.
	ScanReScan
)

func (s ScanAction) String() string {
	switch s {
	case ScanSingleNode:
		return "single-node"
	case ScanFolder:
		return "folder"
	case ScanReScan:
		return "rescan"
	default:
		return "nop"
	}
}

// AbstractEvent is the classifier verdict the merge consumer dispatches on.
type AbstractEvent struct {
	Kind EventKind
	Scan ScanAction
}

// UnknownFlagPolicy decides what happens when an event carries bits outside
// the recognized vocabulary.
type UnknownFlagPolicy uint8

const (
	// UnknownFatal surfaces an error so the caller can stop rather than
	// index against a vocabulary it does not understand.
	UnknownFatal UnknownFlagPolicy = iota
	// UnknownReScan degrades to a subtree re-walk, trading certainty for
	// availability.
	UnknownReScan
)

// ParseUnknownFlagPolicy maps a config string to a policy. Empty and
// unrecognized values fall back to fatal.
func ParseUnknownFlagPolicy(s string) UnknownFlagPolicy {
	if s == "rescan" {
		return UnknownReScan
	}
	return UnknownFatal
}

// rule is one row of the classification table. Rows are matched first to
// last; the first match wins.
type rule struct {
	name    string
	match   func(f Flag) bool
	verdict func(f Flag, isDir bool) AbstractEvent
}

func anyOf(mask Flag) func(Flag) bool {
	return func(f Flag) bool { return f.Has(mask) }
}

func always(k EventKind, s ScanAction) func(Flag, bool) AbstractEvent {
	return func(Flag, bool) AbstractEvent { return AbstractEvent{Kind: k, Scan: s} }
}

// scanForShape resolves the scan scope from the directory bit: directories
// need a one-level re-list, plain entries a single stat.
func scanForShape(isDir bool) ScanAction {
	if isDir {
		return ScanFolder
	}
	return ScanSingleNode
}

var rules = []rule{
	{
		// No classification bit at all: the OS coalesced something away.
		// Resolve by looking at the path itself.
		name:  "ambiguous",
		match: func(f Flag) bool { return f&^typeBits == 0 },
		verdict: func(_ Flag, isDir bool) AbstractEvent {
			return AbstractEvent{Kind: KindNone, Scan: scanForShape(isDir)}
		},
	},
	{
		name:    "dropped",
		match:   anyOf(FlagMustScanSubDirs | FlagUserDropped | FlagKernelDropped),
		verdict: always(KindNone, ScanReScan),
	},
	{
		name:    "ids-wrapped",
		match:   anyOf(FlagEventIDsWrapped),
		verdict: always(KindNone, ScanNop),
	},
	{
		name:    "history-done",
		match:   anyOf(FlagHistoryDone),
		verdict: always(KindNone, ScanNop),
	},
	{
		name:    "root-changed",
		match:   anyOf(FlagRootChanged),
		verdict: always(KindNone, ScanReScan),
	},
	{
		name:    "mount",
		match:   anyOf(FlagMount),
		verdict: always(KindNone, ScanFolder),
	},
	{
		name:    "unmount",
		match:   anyOf(FlagUnmount),
		verdict: always(KindDelete, ScanFolder),
	},
	{
		// A freshly created directory is still empty; its contents
		// announce themselves as their own events.
		name:    "created",
		match:   anyOf(FlagItemCreated),
		verdict: always(KindCreate, ScanSingleNode),
	},
	{
		name:  "removed",
		match: anyOf(FlagItemRemoved),
		verdict: func(_ Flag, isDir bool) AbstractEvent {
			return AbstractEvent{Kind: KindDelete, Scan: scanForShape(isDir)}
		},
	},
	{
		name:    "inode-meta",
		match:   anyOf(FlagItemInodeMetaMod),
		verdict: always(KindModify, ScanSingleNode),
	},
	{
		// The bitset cannot tell the source side of a rename from the
		// destination side; a stat of the path settles which one this
		// was.
		name:  "renamed",
		match: anyOf(FlagItemRenamed),
		verdict: func(_ Flag, isDir bool) AbstractEvent {
			return AbstractEvent{Kind: KindModify, Scan: scanForShape(isDir)}
		},
	},
	{
		name:    "modified",
		match:   anyOf(FlagItemModified),
		verdict: always(KindModify, ScanSingleNode),
	},
	{
		name:    "attr-changed",
		match:   anyOf(FlagItemFinderInfoMod | FlagItemChangeOwner | FlagItemXattrMod),
		verdict: always(KindModify, ScanSingleNode),
	},
	{
		name:  "cloned",
		match: anyOf(FlagItemCloned),
		verdict: func(_ Flag, isDir bool) AbstractEvent {
			return AbstractEvent{Kind: KindModify, Scan: scanForShape(isDir)}
		},
	},
}

// Classifier resolves raw flag bitsets into abstract events via the ordered
// rule table. Construct with NewClassifier; the zero value uses the fatal
// unknown-flag policy.
type Classifier struct {
	policy UnknownFlagPolicy
}

func NewClassifier(policy UnknownFlagPolicy) *Classifier {
	return &Classifier{policy: policy}
}

// Classify runs flags through the rule table. isDir is the caller's best
// knowledge of the entry shape, combined with the event's own type bits.
func (c *Classifier) Classify(flags Flag, isDir bool) (AbstractEvent, error) {
	isDir = isDir || flags.IsDir()
	for _, r := range rules {
		if r.match(flags) {
			return r.verdict(flags, isDir), nil
		}
	}
	// A recognized bit was set but no row claimed it (today: OwnEvent,
	// or a genuinely new OS flag value).
	if c.policy == UnknownReScan {
		return AbstractEvent{Kind: KindNone, Scan: ScanReScan}, nil
	}
	return AbstractEvent{}, fmt.Errorf("unsupported event flags %s (%#x)", flags, uint32(flags))
}
