// Package fsevent turns raw OS change notifications into the bounded set of
// re-scan actions the merge consumer dispatches on. It holds the flag
// vocabulary, the ordered classification rule table, the event-id/wall-clock
// mapping and the watcher that owns the native subscription.
package fsevent

import "strings"

// Flag is the raw change-notification bitset as delivered by the OS
// collaborator. Multiple bits can be set on one event.
type Flag uint32

// FlagNone is the empty bitset.
const FlagNone Flag = 0

const (
	FlagMustScanSubDirs Flag = 1 << iota
	FlagUserDropped
	FlagKernelDropped
	FlagEventIDsWrapped
	FlagHistoryDone
	FlagRootChanged
	FlagMount
	FlagUnmount
	FlagItemCreated
	FlagItemRemoved
	FlagItemInodeMetaMod
	FlagItemRenamed
	FlagItemModified
	FlagItemFinderInfoMod
	FlagItemChangeOwner
	FlagItemXattrMod
	FlagItemCloned
	FlagOwnEvent
	FlagItemIsFile
	FlagItemIsDir
	FlagItemIsSymlink
	FlagItemIsHardlink
)

// typeBits carry what the entry is, not what happened to it.
const typeBits = FlagItemIsFile | FlagItemIsDir | FlagItemIsSymlink | FlagItemIsHardlink

// recognized is the closed classification vocabulary. A set bit outside it
// means the OS grew its vocabulary under us.
const recognized = FlagMustScanSubDirs | FlagUserDropped | FlagKernelDropped |
	FlagEventIDsWrapped | FlagHistoryDone | FlagRootChanged |
	FlagMount | FlagUnmount |
	FlagItemCreated | FlagItemRemoved | FlagItemInodeMetaMod |
	FlagItemRenamed | FlagItemModified |
	FlagItemFinderInfoMod | FlagItemChangeOwner | FlagItemXattrMod |
	FlagItemCloned | FlagOwnEvent

// Has reports whether any bit of mask is set.
func (f Flag) Has(mask Flag) bool {
	return f&mask != 0
}

// IsDir reports whether the type bits mark the entry as a directory.
func (f Flag) IsDir() bool {
	return f.Has(FlagItemIsDir)
}

var flagNames = []struct {
	bit  Flag
	name string
}{
	{FlagMustScanSubDirs, "MustScanSubDirs"},
	{FlagUserDropped, "UserDropped"},
	{FlagKernelDropped, "KernelDropped"},
	{FlagEventIDsWrapped, "EventIDsWrapped"},
	{FlagHistoryDone, "HistoryDone"},
	{FlagRootChanged, "RootChanged"},
	{FlagMount, "Mount"},
	{FlagUnmount, "Unmount"},
	{FlagItemCreated, "ItemCreated"},
	{FlagItemRemoved, "ItemRemoved"},
	{FlagItemInodeMetaMod, "ItemInodeMetaMod"},
	{FlagItemRenamed, "ItemRenamed"},
	{FlagItemModified, "ItemModified"},
	{FlagItemFinderInfoMod, "ItemFinderInfoMod"},
	{FlagItemChangeOwner, "ItemChangeOwner"},
	{FlagItemXattrMod, "ItemXattrMod"},
	{FlagItemCloned, "ItemCloned"},
	{FlagOwnEvent, "OwnEvent"},
	{FlagItemIsFile, "ItemIsFile"},
	{FlagItemIsDir, "ItemIsDir"},
	{FlagItemIsSymlink, "ItemIsSymlink"},
	{FlagItemIsHardlink, "ItemIsHardlink"},
}

func (f Flag) String() string {
	if f == FlagNone {
		return "None"
	}
	var parts []string
	for _, fn := range flagNames {
		if f.Has(fn.bit) {
			parts = append(parts, fn.name)
		}
	}
	if len(parts) == 0 {
		return "Unknown"
	}
	return strings.Join(parts, "|")
}

// RawEvent is one change notification: the affected path, the flag bitset
// and the per-device monotonic event id.
type RawEvent struct {
	Path  string
	Flags Flag
	ID    uint64
}
