// Package conflict provides deterministic reconciliation of a local record
// and the server's version of the same logical entity.
package conflict

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/healthguide/core/internal/logging"
	"github.com/healthguide/core/internal/models"
)

// Strategy defines how conflicts are resolved.
type Strategy string

const (
	// TimestampWins keeps the strictly later version in full; the remote
	// version wins ties. This is the default.
	TimestampWins Strategy = "timestamp_wins"
	// ServerWins always keeps the remote version.
	ServerWins Strategy = "server_wins"
	// ClientWins always keeps the local version.
	ClientWins Strategy = "client_wins"
	// MergeFields merges field-by-field, remote-first.
	MergeFields Strategy = "merge"
	// UserChoice delegates to the application shell's prompt; without one
	// it falls back to TimestampWins.
	UserChoice Strategy = "user_choice"
)

// ParseStrategy maps a config string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case TimestampWins, ServerWins, ClientWins, MergeFields, UserChoice:
		return Strategy(s), nil
	case "":
		return TimestampWins, nil
	}
	return "", fmt.Errorf("unknown conflict strategy %q", s)
}

// Prompt asks the user to pick between the two versions. Returning an
// error or nil record counts as "no answer" and triggers the fallback.
type Prompt func(local, remote *models.Record) (*models.Record, error)

// FallbackFunc is invoked when silent user-choice fallbacks for one record
// reach the configured limit.
type FallbackFunc func(collection models.Collection, recordID int64, fallbacks int)

// Resolution is the outcome of resolving one conflict.
type Resolution struct {
	Record   *models.Record
	Strategy Strategy
	Outcome  string // local_wins, remote_wins, merged
	Log      *models.ConflictLog
}

// Resolver reconciles divergent record versions. Resolution itself is a
// pure function of its inputs; the resolver only tracks user-choice
// fallback counts across calls.
type Resolver struct {
	prompt        Prompt
	fallbackLimit int
	onFallback    FallbackFunc

	mu        sync.Mutex
	fallbacks map[string]int
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithPrompt installs the user-choice collaborator.
func WithPrompt(p Prompt) Option {
	return func(r *Resolver) { r.prompt = p }
}

// WithFallbackLimit sets how many silent user-choice fallbacks per record
// are tolerated before onFallback fires. Zero disables surfacing.
func WithFallbackLimit(limit int, onFallback FallbackFunc) Option {
	return func(r *Resolver) {
		r.fallbackLimit = limit
		r.onFallback = onFallback
	}
}

// NewResolver creates a Resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		fallbacks: make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve reconciles local and remote under the given strategy. It never
// fails: malformed input degrades to the server version.
func (r *Resolver) Resolve(collection models.Collection, local, remote *models.Record, strategy Strategy) *Resolution {
	// a one-sided "conflict" has nothing to decide
	if local == nil && remote == nil {
		return &Resolution{Record: nil, Strategy: strategy, Outcome: "remote_wins"}
	}
	if local == nil {
		return r.finish(collection, local, remote, strategy, remote, "remote_wins")
	}
	if remote == nil {
		return r.finish(collection, local, remote, strategy, local, "local_wins")
	}

	switch strategy {
	case ServerWins:
		return r.finish(collection, local, remote, strategy, remote, "remote_wins")
	case ClientWins:
		return r.finish(collection, local, remote, strategy, local, "local_wins")
	case MergeFields:
		merged := mergeRecords(local, remote)
		return r.finish(collection, local, remote, strategy, merged, "merged")
	case UserChoice:
		return r.resolveUserChoice(collection, local, remote)
	default:
		return r.resolveTimestampWins(collection, local, remote, strategy)
	}
}

func (r *Resolver) resolveTimestampWins(collection models.Collection, local, remote *models.Record, strategy Strategy) *Resolution {
	// the server is the tie-break authority
	if local.EffectiveTimestamp().After(remote.EffectiveTimestamp()) {
		return r.finish(collection, local, remote, strategy, local, "local_wins")
	}
	return r.finish(collection, local, remote, strategy, remote, "remote_wins")
}

func (r *Resolver) resolveUserChoice(collection models.Collection, local, remote *models.Record) *Resolution {
	if r.prompt != nil {
		chosen, err := r.prompt(local, remote)
		if err == nil && chosen != nil {
			outcome := "remote_wins"
			if chosen == local || (chosen.ID == local.ID && bytes.Equal(chosen.Payload, local.Payload)) {
				outcome = "local_wins"
			}
			return r.finish(collection, local, remote, UserChoice, chosen, outcome)
		}
		if err != nil {
			logging.Warn("User choice prompt failed, falling back to timestamp comparison",
				map[string]interface{}{"collection": string(collection), "error": err.Error()})
		}
	}

	recordID := remote.ID
	if recordID == 0 {
		recordID = local.ID
	}
	r.recordFallback(collection, recordID)
	res := r.resolveTimestampWins(collection, local, remote, UserChoice)
	return res
}

// recordFallback counts silent user-choice fallbacks per record and
// surfaces them once the limit is reached.
func (r *Resolver) recordFallback(collection models.Collection, recordID int64) {
	if r.fallbackLimit <= 0 {
		return
	}
	key := fmt.Sprintf("%s/%d", collection, recordID)

	r.mu.Lock()
	r.fallbacks[key]++
	count := r.fallbacks[key]
	r.mu.Unlock()

	if count == r.fallbackLimit && r.onFallback != nil {
		r.onFallback(collection, recordID, count)
	}
}

func (r *Resolver) finish(collection models.Collection, local, remote *models.Record, strategy Strategy, winner *models.Record, outcome string) *Resolution {
	res := &Resolution{
		Record:   winner.Clone(),
		Strategy: strategy,
		Outcome:  outcome,
	}

	if local != nil && remote != nil {
		recordID := remote.ID
		if recordID == 0 {
			recordID = local.ID
		}
		res.Log = &models.ConflictLog{
			Collection:      collection,
			RecordID:        recordID,
			LocalTimestamp:  local.EffectiveTimestamp(),
			RemoteTimestamp: remote.EffectiveTimestamp(),
			Strategy:        string(strategy),
			Outcome:         outcome,
		}
		logging.Info("Conflict resolved", map[string]interface{}{
			"collection":       string(collection),
			"record_id":        recordID,
			"strategy":         string(strategy),
			"outcome":          outcome,
			"local_timestamp":  local.EffectiveTimestamp(),
			"remote_timestamp": remote.EffectiveTimestamp(),
		})
	}
	return res
}

// timestampSuffixes mark payload fields that are never merged; the remote
// value always stands.
var timestampSuffixes = []string{"At", "_at", "_date"}

func isTimestampField(key string) bool {
	for _, suffix := range timestampSuffixes {
		if strings.HasSuffix(key, suffix) {
			return true
		}
	}
	return false
}

// mergeRecords merges local into remote field-by-field. The remote record
// is the base; local fills fields the server left absent or falsy, and
// list-valued fields union with remote order first. Malformed payloads
// degrade to the remote version.
func mergeRecords(local, remote *models.Record) *models.Record {
	remoteFields, err := remote.PayloadMap()
	if err != nil {
		logging.Warn("Remote payload undecodable, keeping remote as-is",
			map[string]interface{}{"record_id": remote.ID, "error": err.Error()})
		return remote
	}
	localFields, err := local.PayloadMap()
	if err != nil {
		logging.Warn("Local payload undecodable, keeping remote",
			map[string]interface{}{"record_id": local.ID, "error": err.Error()})
		return remote
	}

	merged := make(map[string]interface{}, len(remoteFields)+len(localFields))
	for k, v := range remoteFields {
		merged[k] = v
	}

	for key, localVal := range localFields {
		if isTimestampField(key) {
			continue
		}
		remoteVal, inRemote := remoteFields[key]

		localList, localIsList := localVal.([]interface{})
		remoteList, remoteIsList := remoteVal.([]interface{})
		switch {
		case localIsList && remoteIsList:
			merged[key] = unionLists(remoteList, localList)
		case inRemote && localIsList != remoteIsList && !isFalsy(remoteVal) && !isFalsy(localVal):
			// shape mismatch between versions: the server's shape stands
			logging.Warn("Field shape mismatch during merge, keeping remote value",
				map[string]interface{}{"field": key, "record_id": remote.ID})
		case (!inRemote || isFalsy(remoteVal)) && !isFalsy(localVal):
			merged[key] = localVal
		}
	}

	payload, err := json.Marshal(merged)
	if err != nil {
		return remote
	}

	// the envelope follows the later version; the server breaks ties
	winner := remote
	if local.EffectiveTimestamp().After(remote.EffectiveTimestamp()) {
		winner = local
	}
	out := winner.Clone()
	if out.ID == 0 {
		out.ID = remote.ID
	}
	out.Payload = payload
	return out
}

// unionLists returns remote's elements in order followed by local elements
// not already present.
func unionLists(remote, local []interface{}) []interface{} {
	seen := make(map[string]bool, len(remote))
	out := make([]interface{}, 0, len(remote)+len(local))
	for _, v := range remote {
		seen[canonical(v)] = true
		out = append(out, v)
	}
	for _, v := range local {
		if key := canonical(v); !seen[key] {
			seen[key] = true
			out = append(out, v)
		}
	}
	return out
}

// canonical renders a decoded JSON value for set-membership comparison.
func canonical(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// isFalsy reports whether a decoded JSON value is absent-equivalent: null,
// false, zero, empty string, empty list or empty object.
func isFalsy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return true
	case bool:
		return !val
	case string:
		return val == ""
	case float64:
		return val == 0
	case []interface{}:
		return len(val) == 0
	case map[string]interface{}:
		return len(val) == 0
	}
	return false
}
