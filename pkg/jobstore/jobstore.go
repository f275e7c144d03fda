// Package jobstore implements C5: the job record store and the inbox
// message log, both backed by pkg/kvstore using the key layouts spec'd
// for job topics and hashed inboxes.
package jobstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shinkailabs/shinkai-node/pkg/kvstore"
	"github.com/shinkailabs/shinkai-node/pkg/message"
	"github.com/shinkailabs/shinkai-node/pkg/shinkcrypto"
	"github.com/shinkailabs/shinkai-node/pkg/shinkerr"
)

const (
	cfJobs  = "jobtopic"
	cfInbox = "inbox"
)

// JobScope is the five disjoint, dedup-on-insert bags of resources a job
// is allowed to draw context from.
type JobScope struct {
	LocalVRKai      []string `json:"local_vrkai"`
	LocalVRPack     []string `json:"local_vrpack"`
	VectorFSItems   []string `json:"vector_fs_items"`
	VectorFSFolders []string `json:"vector_fs_folders"`
	NetworkFolders  []string `json:"network_folders"`
}

func dedupAppend(bag []string, id string) []string {
	for _, existing := range bag {
		if existing == id {
			return bag
		}
	}
	return append(bag, id)
}

func (s *JobScope) AddLocalVRKai(id string)      { s.LocalVRKai = dedupAppend(s.LocalVRKai, id) }
func (s *JobScope) AddLocalVRPack(id string)     { s.LocalVRPack = dedupAppend(s.LocalVRPack, id) }
func (s *JobScope) AddVectorFSItem(path string)  { s.VectorFSItems = dedupAppend(s.VectorFSItems, path) }
func (s *JobScope) AddVectorFSFolder(path string) {
	s.VectorFSFolders = dedupAppend(s.VectorFSFolders, path)
}
func (s *JobScope) AddNetworkFolder(ref string) { s.NetworkFolders = dedupAppend(s.NetworkFolders, ref) }

// Job is one unit of agent work, along with its persisted bookkeeping.
type Job struct {
	JobID                 string    `json:"job_id"`
	IsFinished            bool      `json:"is_finished"`
	DateTimeCreated       time.Time `json:"datetime_created"`
	ParentAgentID         string    `json:"parent_agent_id"`
	ConversationInboxName string    `json:"conversation_inbox_name"`
	RequiresImageAnalysis bool      `json:"requires_image_analysis"`
	JobKaiPath            string    `json:"jobkai_path,omitempty"`
	Scope                 JobScope  `json:"scope"`
}

// StepEntry is one timestamp-keyed record in a job's step history log.
type StepEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Content   string    `json:"content"`
}

// Store is the C5 persistence layer over pkg/kvstore.
type Store struct {
	kv     kvstore.Store
	logger zerolog.Logger
}

// New constructs a Store over kv.
func New(kv kvstore.Store, logger zerolog.Logger) *Store {
	return &Store{kv: kv, logger: logger.With().Str("component", "jobstore").Logger()}
}

func jobKey(jobID string) string { return "jobtopic_" + jobID }

// CreateJob persists a freshly created job record.
func (s *Store) CreateJob(job *Job) error {
	if job.DateTimeCreated.IsZero() {
		job.DateTimeCreated = time.Now().UTC()
	}
	return s.putJob(job)
}

func (s *Store) putJob(job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return shinkerr.Wrap(shinkerr.CategoryInternal, shinkerr.CodeCanonEncodeFailed, "marshal job", err)
	}
	if err := s.kv.Put(cfJobs, jobKey(job.JobID), data); err != nil {
		return shinkerr.Wrap(shinkerr.CategoryInternal, shinkerr.CodeKVFailure, "persist job", err)
	}
	return nil
}

// GetJob loads a job record, CategoryNotFound if absent.
func (s *Store) GetJob(jobID string) (*Job, error) {
	raw, found, err := s.kv.Get(cfJobs, jobKey(jobID))
	if err != nil {
		return nil, shinkerr.Wrap(shinkerr.CategoryInternal, shinkerr.CodeKVFailure, "load job", err)
	}
	if !found {
		return nil, shinkerr.New(shinkerr.CategoryNotFound, shinkerr.CodeJobNotFound, jobID)
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, shinkerr.Wrap(shinkerr.CategoryDecode, shinkerr.CodeInvalidSchema, "decode job", err)
	}
	return &job, nil
}

// MarkFinished flips a job's is_finished flag.
func (s *Store) MarkFinished(jobID string) error {
	job, err := s.GetJob(jobID)
	if err != nil {
		return err
	}
	job.IsFinished = true
	return s.putJob(job)
}

// UpdateScope replaces a job's scope.
func (s *Store) UpdateScope(jobID string, scope JobScope) error {
	job, err := s.GetJob(jobID)
	if err != nil {
		return err
	}
	job.Scope = scope
	return s.putJob(job)
}

func stepHistoryKey(jobID string, ts time.Time) string {
	return fmt.Sprintf("%s_step_history_%s", jobID, ts.UTC().Format(time.RFC3339Nano))
}

// AppendStepHistory appends a timestamp-keyed log entry recording one
// job processing step's outcome.
func (s *Store) AppendStepHistory(jobID, content string) error {
	entry := StepEntry{Timestamp: time.Now().UTC(), Content: content}
	data, err := json.Marshal(entry)
	if err != nil {
		return shinkerr.Wrap(shinkerr.CategoryInternal, shinkerr.CodeCanonEncodeFailed, "marshal step entry", err)
	}
	if err := s.kv.Put(cfJobs, stepHistoryKey(jobID, entry.Timestamp), data); err != nil {
		return shinkerr.Wrap(shinkerr.CategoryInternal, shinkerr.CodeKVFailure, "persist step entry", err)
	}
	return nil
}

// GetStepHistory returns a job's step log in chronological order.
func (s *Store) GetStepHistory(jobID string) ([]StepEntry, error) {
	rows, err := s.kv.PrefixScan(cfJobs, jobID+"_step_history_")
	if err != nil {
		return nil, shinkerr.Wrap(shinkerr.CategoryInternal, shinkerr.CodeKVFailure, "scan step history", err)
	}
	out := make([]StepEntry, 0, len(rows))
	for _, row := range rows {
		var entry StepEntry
		if err := json.Unmarshal(row.Value, &entry); err != nil {
			s.logger.Warn().Str("key", row.Key).Err(err).Msg("dropping corrupt step history entry")
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// InboxEntry is one stored message alongside the hash-chain pointers
// used for pagination and threading.
type InboxEntry struct {
	Timestamp   time.Time        `json:"timestamp"`
	Hash        string           `json:"hash"`
	ParentHash  string           `json:"parent_hash,omitempty"`
	EncodedBody []byte           `json:"encoded_body"`
	Schema      message.Schema   `json:"schema"`
}

func inboxMetaKey(name string) string       { return "inbox_" + name }
func inboxMessageKey(name string, ts time.Time, hash string) string {
	return fmt.Sprintf("%s_message_%s:::%s", name, ts.UTC().Format(time.RFC3339Nano), hash)
}
func inboxChildrenKey(name, parentHash string) string { return name + "_children_" + parentHash }
func inboxParentKey(name, childHash string) string    { return name + "_parent_" + childHash }
func inboxReadListKey(name string) string             { return name + "_read_list" }
func inboxSmartNameKey(name string) string            { return name + "_smart_inbox_name" }

// inboxTimestampKey is bookkeeping private to this package (not one of
// the spec'd key shapes) used only to check job-inbox parent-time
// monotonicity without rescanning the whole message log.
func inboxTimestampKey(name, hash string) string { return name + "_hash_ts_" + hash }

// IsJobInbox reports whether name addresses a job conversation inbox, the
// only inbox kind for which parent-time monotonicity is enforced (spec's
// documented quirk: other inboxes accept out-of-order parent timestamps
// without complaint).
func IsJobInbox(name string) bool {
	return len(name) > len("job_inbox::") && name[:len("job_inbox::")] == "job_inbox::"
}

// EnsureInbox marks an inbox as known, so list-inboxes style queries can
// find it even before its first message.
func (s *Store) EnsureInbox(name string) error {
	_, found, err := s.kv.Get(cfInbox, inboxMetaKey(name))
	if err != nil {
		return shinkerr.Wrap(shinkerr.CategoryInternal, shinkerr.CodeKVFailure, "check inbox", err)
	}
	if found {
		return nil
	}
	return s.kv.Put(cfInbox, inboxMetaKey(name), []byte("1"))
}

// AppendMessage appends m to inboxName's log, chaining it to parentHash.
// For job inboxes, a parentHash whose own timestamp is not strictly
// before m's is rejected as an invariant violation; other inboxes accept
// any ordering.
func (s *Store) AppendMessage(inboxName string, m message.Message, parentHash string) (*InboxEntry, error) {
	if err := s.EnsureInbox(inboxName); err != nil {
		return nil, err
	}

	hash := shinkcrypto.HashHex(message.Encode(m))
	now := time.Now().UTC()

	if parentHash != "" && IsJobInbox(inboxName) {
		parentRaw, found, err := s.kv.Get(cfInbox, inboxTimestampKey(inboxName, parentHash))
		if err == nil && found {
			var parentTS time.Time
			if uerr := json.Unmarshal(parentRaw, &parentTS); uerr == nil && !parentTS.Before(now) {
				return nil, shinkerr.New(shinkerr.CategoryInternal, shinkerr.CodeInvariantViolated, "job inbox parent message is not strictly older")
			}
		}
	}

	entry := InboxEntry{Timestamp: now, Hash: hash, ParentHash: parentHash, EncodedBody: message.Encode(m), Schema: m.Body.MessageData.Schema}
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, shinkerr.Wrap(shinkerr.CategoryInternal, shinkerr.CodeCanonEncodeFailed, "marshal inbox entry", err)
	}

	if err := s.kv.Batch(func(w kvstore.Writer) error {
		if err := w.Put(cfInbox, inboxMessageKey(inboxName, now, hash), data); err != nil {
			return err
		}
		if parentHash != "" {
			if err := w.Put(cfInbox, inboxChildrenKey(inboxName, parentHash), []byte(hash)); err != nil {
				return err
			}
			if err := w.Put(cfInbox, inboxParentKey(inboxName, hash), []byte(parentHash)); err != nil {
				return err
			}
		}
		tsData, _ := json.Marshal(now)
		return w.Put(cfInbox, inboxTimestampKey(inboxName, hash), tsData)
	}); err != nil {
		return nil, shinkerr.Wrap(shinkerr.CategoryInternal, shinkerr.CodeKVFailure, "persist inbox entry", err)
	}

	return &entry, nil
}

// ListMessages returns every message in inboxName in chronological order.
func (s *Store) ListMessages(inboxName string) ([]InboxEntry, error) {
	rows, err := s.kv.PrefixScan(cfInbox, inboxName+"_message_")
	if err != nil {
		return nil, shinkerr.Wrap(shinkerr.CategoryInternal, shinkerr.CodeKVFailure, "scan inbox", err)
	}
	out := make([]InboxEntry, 0, len(rows))
	for _, row := range rows {
		var entry InboxEntry
		if err := json.Unmarshal(row.Value, &entry); err != nil {
			s.logger.Warn().Str("key", row.Key).Err(err).Msg("dropping corrupt inbox entry")
			continue
		}
		out = append(out, entry)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// MarkRead records the hash of the most recently read message in
// inboxName for the requesting identity.
func (s *Store) MarkRead(inboxName, upToHash string) error {
	return s.kv.Put(cfInbox, inboxReadListKey(inboxName), []byte(upToHash))
}

// LastRead returns the hash most recently passed to MarkRead, or "".
func (s *Store) LastRead(inboxName string) (string, error) {
	raw, found, err := s.kv.Get(cfInbox, inboxReadListKey(inboxName))
	if err != nil {
		return "", shinkerr.Wrap(shinkerr.CategoryInternal, shinkerr.CodeKVFailure, "load read list", err)
	}
	if !found {
		return "", nil
	}
	return string(raw), nil
}

// SetSmartName assigns a human-readable label to an inbox.
func (s *Store) SetSmartName(inboxName, smartName string) error {
	return s.kv.Put(cfInbox, inboxSmartNameKey(inboxName), []byte(smartName))
}

// SmartName returns an inbox's human-readable label, or "" if unset.
func (s *Store) SmartName(inboxName string) (string, error) {
	raw, found, err := s.kv.Get(cfInbox, inboxSmartNameKey(inboxName))
	if err != nil {
		return "", shinkerr.Wrap(shinkerr.CategoryInternal, shinkerr.CodeKVFailure, "load smart name", err)
	}
	if !found {
		return "", nil
	}
	return string(raw), nil
}
