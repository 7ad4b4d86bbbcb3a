package channel

import "strings"

// Flag независимое булево условие канала. Флаги хранятся битовой маской.
type Flag uint64

const (
	FlagAnswered Flag = 1 << iota
	FlagOutbound
	FlagInbound
	FlagEarlyMedia
	FlagTransportAccept
	FlagSuspend
	FlagHold
	FlagBridged
	FlagOriginator
	FlagHangupPending
)

var flagNames = []struct {
	flag Flag
	name string
}{
	{FlagAnswered, "ANSWERED"},
	{FlagOutbound, "OUTBOUND"},
	{FlagInbound, "INBOUND"},
	{FlagEarlyMedia, "EARLY_MEDIA"},
	{FlagTransportAccept, "TRANSPORT_ACCEPT"},
	{FlagSuspend, "SUSPEND"},
	{FlagHold, "HOLD"},
	{FlagBridged, "BRIDGED"},
	{FlagOriginator, "ORIGINATOR"},
	{FlagHangupPending, "HANGUP_PENDING"},
}

// Has проверяет, что все биты f установлены в маске
func (m Flag) Has(f Flag) bool {
	return m&f == f
}

// String перечисляет установленные флаги через "|"
func (m Flag) String() string {
	if m == 0 {
		return "NONE"
	}
	var parts []string
	for _, fn := range flagNames {
		if m&fn.flag != 0 {
			parts = append(parts, fn.name)
		}
	}
	return strings.Join(parts, "|")
}
