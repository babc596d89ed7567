package inspector

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ZanzyTHEbar/zk-inspector/zkinspect/store"
)

// MetaField is one labelled value in a details table. Slices of MetaField
// keep display order.
type MetaField struct {
	Key   string
	Value string
}

// Labels used by NodeMeta and SessionMeta.
const (
	MetaACLVersion      = "ACL Version"
	MetaCreationTime    = "Creation Time"
	MetaChildrenVersion = "Children Version"
	MetaCreationID      = "Creation ID"
	MetaDataLength      = "Data Length"
	MetaEphemeralOwner  = "Ephemeral Owner"
	MetaModifiedTime    = "Last Modified Time"
	MetaModifiedID      = "Modified ID"
	MetaNumChildren     = "Number of Children"
	MetaNodeID          = "Node ID"
	MetaDataVersion     = "Data Version"

	MetaSessionID      = "Session ID"
	MetaSessionState   = "Session State"
	MetaConnectString  = "Connect String"
	MetaSessionTimeout = "Session Timeout"
)

// MetaTimeFormat renders node timestamps with millisecond precision.
const MetaTimeFormat = "2006-01-02T15:04:05.000 MST"

// FormatStat renders a node's stat in display order.
func FormatStat(st *store.Stat) []MetaField {
	if st == nil {
		return nil
	}
	return []MetaField{
		{MetaACLVersion, strconv.Itoa(int(st.Aversion))},
		{MetaCreationTime, formatTime(st.Ctime)},
		{MetaChildrenVersion, strconv.Itoa(int(st.Cversion))},
		{MetaCreationID, hex(st.Czxid)},
		{MetaDataLength, strconv.Itoa(int(st.DataLength))},
		{MetaEphemeralOwner, hex(st.EphemeralOwner)},
		{MetaModifiedTime, formatTime(st.Mtime)},
		{MetaModifiedID, hex(st.Mzxid)},
		{MetaNumChildren, strconv.Itoa(int(st.NumChildren))},
		{MetaNodeID, hex(st.Pzxid)},
		{MetaDataVersion, strconv.Itoa(int(st.Version))},
	}
}

func hex(v int64) string {
	return "0x" + strconv.FormatUint(uint64(v), 16)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(MetaTimeFormat)
}

// ACLInfo is one ACL entry prepared for display.
type ACLInfo struct {
	Scheme      string
	ID          string
	Permissions string
}

// FormatACLs renders ACL entries for display.
func FormatACLs(acls []store.ACL) []ACLInfo {
	out := make([]ACLInfo, 0, len(acls))
	for _, a := range acls {
		out = append(out, ACLInfo{Scheme: a.Scheme, ID: a.ID, Permissions: a.Perms.String()})
	}
	return out
}

// FindInData returns the byte offsets of every non-overlapping,
// case-insensitive occurrence of needle in data. Matching folds rune by rune,
// so offsets stay exact when case mapping changes byte lengths.
func FindInData(data, needle string) []int {
	if needle == "" {
		return nil
	}
	width := utf8.RuneCountInString(needle)
	var offsets []int
	for i := 0; i < len(data); {
		end, runes := i, 0
		for ; runes < width && end < len(data); runes++ {
			_, size := utf8.DecodeRuneInString(data[end:])
			end += size
		}
		if runes == width && strings.EqualFold(data[i:end], needle) {
			offsets = append(offsets, i)
			i = end
			continue
		}
		_, size := utf8.DecodeRuneInString(data[i:])
		i += size
	}
	return offsets
}
