package setview

import (
	"context"

	"github.com/lt1946/setview/partition"
	"github.com/lt1946/setview/store"
)

// TransitionInfo is the decoded pending transition, or absent.
type TransitionInfo struct {
	Active  []partition.ID `json:"active"`
	Passive []partition.ID `json:"passive"`
	Cleanup []partition.ID `json:"cleanup"`
}

// GroupInfo is the structured status of a group, replica info included
// on main groups.
type GroupInfo struct {
	Signature string `json:"signature"`
	Type      string `json:"type"`
	Language  string `json:"language"`

	DiskSize int64  `json:"disk_size"`
	DataSize uint64 `json:"data_size"`

	UpdaterRunning  bool   `json:"updater_running"`
	UpdaterState    string `json:"updater_state"`
	CompactRunning  bool   `json:"compact_running"`
	CleanupRunning  bool   `json:"cleanup_running"`
	WaitingCommit   bool   `json:"waiting_commit"`
	WaitingClients  int    `json:"waiting_clients"`
	MaxPartitions   int    `json:"max_number_partitions"`
	UpdateSeqs      map[partition.ID]uint64 `json:"update_seqs"`
	PurgeSeqs       map[partition.ID]uint64 `json:"purge_seqs"`
	ActiveParts     []partition.ID          `json:"active_partitions"`
	PassiveParts    []partition.ID          `json:"passive_partitions"`
	CleanupParts    []partition.ID          `json:"cleanup_partitions"`

	Stats struct {
		Updates        int64          `json:"full_updates"`
		Cleanups       int64          `json:"cleanups"`
		Compactions    int64          `json:"compactions"`
		AvgUpdateSecs  float64        `json:"avg_update_seconds"`
		AvgCleanupSecs float64        `json:"avg_cleanup_seconds"`
		History        []HistoryEntry `json:"history"`
	} `json:"stats"`

	PendingTransition *TransitionInfo `json:"pending_transition"`

	ReplicaPartitions  []partition.ID `json:"replica_partitions,omitempty"`
	ReplicasOnTransfer []partition.ID `json:"replicas_on_transfer,omitempty"`
	ReplicaGroupInfo   *GroupInfo     `json:"replica_group_info,omitempty"`
}

// RequestGroupInfo assembles the group's status, recursing into the
// replica group on main groups.
func (g *Group) RequestGroupInfo(ctx context.Context) (*GroupInfo, error) {
	var info *GroupInfo
	var replica *Group
	err := g.call(ctx, func() {
		info = g.buildInfo()
		replica = g.replica
	})
	if err != nil {
		return nil, err
	}
	if replica != nil {
		rinfo, rerr := replica.RequestGroupInfo(ctx)
		if rerr == nil {
			info.ReplicaGroupInfo = rinfo
			info.ReplicaPartitions = rinfo.ActiveParts
			info.ReplicaPartitions = append(info.ReplicaPartitions, rinfo.PassiveParts...)
		}
	}
	return info, nil
}

func (g *Group) buildInfo() *GroupInfo {
	info := &GroupInfo{
		Signature:     g.sig.String(),
		Type:          string(g.typ),
		Language:      g.cfg.Language,
		UpdaterState:  UpdaterNone.String(),
		MaxPartitions: g.hdr.NumPartitions,
		UpdateSeqs:    g.hdr.Seqs.Clone(),
		PurgeSeqs:     g.hdr.PurgeSeqs.Clone(),
		ActiveParts:   g.hdr.Abitmask.Slice(),
		PassiveParts:  g.hdr.Pbitmask.Slice(),
		CleanupParts:  g.hdr.Cbitmask.Slice(),
	}
	if g.updater != nil {
		info.UpdaterRunning = true
		info.UpdaterState = g.updater.phase.String()
	}
	info.CompactRunning = g.compactor != nil
	info.CleanupRunning = g.cleaner != nil
	info.WaitingCommit = g.commitTimer != nil
	info.WaitingClients = len(g.waitingList) + len(g.ptWaiters)
	if data, err := g.trees.DataSize(); err == nil {
		info.DataSize = data
	}
	if disk, err := store.DiskSize(g.file.Path); err == nil {
		info.DiskSize = disk
	}
	info.Stats.Updates, info.Stats.Cleanups, info.Stats.Compactions = g.stats.Counts()
	info.Stats.AvgUpdateSecs, info.Stats.AvgCleanupSecs = g.stats.Averages()
	info.Stats.History = g.stats.History()
	if t := g.hdr.PendingTransition; !t.IsEmpty() {
		info.PendingTransition = &TransitionInfo{
			Active:  t.Active,
			Passive: t.Passive,
			Cleanup: t.Cleanup,
		}
	}
	if g.typ == store.Main && g.hdr.HasReplica {
		info.ReplicasOnTransfer = g.hdr.ReplicasOnTransfer.Slice()
	}
	return info
}
