package core

import (
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/fakedlm/dlmd/pkg/dlmd/types"
)

const maxUeventLine = 2048

// UeventKind classifies the kernel uevents this daemon reacts to,
// mirroring the three prefixes recv_uevent() matches in
// original_source/fakedlm.c.
type UeventKind int

const (
	UeventOnline UeventKind = iota
	UeventOffline
	UeventAddDevice
)

// Uevent is a parsed kobject uevent relevant to a DLM lockspace.
type Uevent struct {
	Kind      UeventKind
	Lockspace string
	// Minor is set only for UeventAddDevice, parsed out of the
	// event's MINOR=<n> token.
	Minor int32
	Raw   string
}

const (
	onlinePrefix  = "online@/kernel/dlm/"
	offlinePrefix = "offline@/kernel/dlm/"
	addDevPrefix  = "add@/devices/virtual/misc/dlm_"
)

// ParseUevent recognizes the three uevent shapes fakedlm cares about,
// matching recv_uevent()'s prefix checks and
// lockspace_add_device_uevent()'s KEY=VALUE token scan. It returns
// ok=false for any other uevent, which the caller should ignore.
func ParseUevent(raw string) (Uevent, bool) {
	switch {
	case strings.HasPrefix(raw, onlinePrefix):
		return Uevent{Kind: UeventOnline, Lockspace: cString(raw[len(onlinePrefix):]), Raw: raw}, true
	case strings.HasPrefix(raw, offlinePrefix):
		return Uevent{Kind: UeventOffline, Lockspace: cString(raw[len(offlinePrefix):]), Raw: raw}, true
	case strings.HasPrefix(raw, addDevPrefix):
		rest := raw[len(addDevPrefix):]
		name := cString(rest)
		minor := parseMinor(rest)
		return Uevent{Kind: UeventAddDevice, Lockspace: name, Minor: minor, Raw: raw}, true
	default:
		return Uevent{}, false
	}
}

// cString returns s up to its first NUL byte, mirroring how the
// kernel's uevent payload concatenates NUL-separated KEY=VALUE tokens
// after the action line.
func cString(s string) string {
	if i := strings.IndexByte(s, 0); i >= 0 {
		return s[:i]
	}
	return s
}

// parseMinor scans the NUL-separated tokens following the device name
// for a "MINOR=<n>" entry, as lockspace_add_device_uevent() does.
func parseMinor(s string) int32 {
	for _, tok := range strings.Split(s, "\x00") {
		if strings.HasPrefix(tok, "MINOR=") {
			var n int32
			for _, c := range tok[len("MINOR="):] {
				if c < '0' || c > '9' {
					break
				}
				n = n*10 + int32(c-'0')
			}
			return n
		}
	}
	return -1
}

// UeventListener reads kobject uevents off an AF_NETLINK/
// NETLINK_KOBJECT_UEVENT socket and delivers parsed ones to a channel,
// the Go translation of listen_to_uvents()/recv_uevent().
type UeventListener struct {
	fd int
}

// NewUeventListener opens and binds the netlink socket. Group 1 is the
// kernel's single kobject-uevent multicast group, the same value
// listen_to_uvents() sets in snl.nl_groups.
func NewUeventListener() (*UeventListener, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, errors.Wrap(err, "opening netlink uevent socket")
	}
	sa := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Pid: uint32(unix.Getpid()), Groups: 1}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "binding netlink uevent socket")
	}
	return &UeventListener{fd: fd}, nil
}

// Run reads uevents until the socket is closed, sending parsed ones on
// events. It is meant to run on a goroutine spawned through an
// Invoker.
func (l *UeventListener) Run(events chan<- Uevent, log types.Logger) {
	buf := make([]byte, maxUeventLine)
	for {
		n, _, err := unix.Recvfrom(l.fd, buf, 0)
		if err != nil {
			return
		}
		raw := string(buf[:n])
		log.Infof("uevent %q", raw)
		if ev, ok := ParseUevent(raw); ok {
			events <- ev
		}
	}
}

// Close shuts down the netlink socket, unblocking Run.
func (l *UeventListener) Close() error {
	return unix.Close(l.fd)
}
