package model

import "time"

// PatchKind names a pre-hook patch applied by the patch engine.
type PatchKind string

const (
	PatchAPIBackoff     PatchKind = "api_backoff"
	PatchPoolEmergency  PatchKind = "pool_emergency"
	PatchGitReset       PatchKind = "git_reset"
	PatchOrphanCleanup  PatchKind = "orphan_cleanup"
	PatchServiceRestart PatchKind = "service_restart"
)

// RootFixKind names the post-hook's permanent counterpart to a
// pre-hook patch.
type RootFixKind string

const (
	RootFixPoolExpanded     RootFixKind = "pool_expanded"
	RootFixWatchdogInstall  RootFixKind = "watchdog_installed"
	RootFixGitResetLogged   RootFixKind = "git_reset_logged"
	RootFixOrphanNoted      RootFixKind = "orphan_noted"
	RootFixRouterReconfirm  RootFixKind = "router_mapping_reconfirmed"
	RootFixEmailWarned      RootFixKind = "email_warned"
)

// PatchLogEntry is one pre- or post-hook record.
type PatchLogEntry struct {
	TaskID    string        `json:"task_id"`
	Phase     string        `json:"phase"` // "pre" | "post"
	Timestamp time.Time     `json:"timestamp"`
	Patches   []PatchKind   `json:"patches,omitempty"`
	RootFixes []RootFixKind `json:"root_fixes,omitempty"`
	Note      string        `json:"note,omitempty"`
}

// PatchLogCapacity is the ring buffer size: only the last 200 entries
// are retained.
const PatchLogCapacity = 200
