package backup

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/iamwavecut/tool"

	ngerrors "github.com/iamwavecut/ngguard/internal/errors"
	"github.com/iamwavecut/ngguard/internal/state"
)

// FormatVersion is the snapshot layout written by this build.
const FormatVersion = 1

type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
	TriggerEmergency Trigger = "emergency"
)

func (t Trigger) Valid() bool {
	return tool.In(t, TriggerScheduled, TriggerManual, TriggerEmergency)
}

// Snapshot is a self-contained, versioned copy of the store.
type Snapshot struct {
	FormatVersion int        `json:"format_version"`
	Seq           int64      `json:"seq"`
	Trigger       Trigger    `json:"trigger"`
	CreatedAt     time.Time  `json:"created_at"`
	Payload       state.Data `json:"payload"`
}

func encode(s *Snapshot) ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// upgrades lift a raw document from version N to N+1.
var upgrades = map[int]func(doc map[string]json.RawMessage) error{
	// unversioned documents kept users and groups at the top level
	0: func(doc map[string]json.RawMessage) error {
		if _, ok := doc["payload"]; !ok {
			payload := map[string]json.RawMessage{}
			for _, key := range []string{"users", "groups"} {
				if v, ok := doc[key]; ok {
					payload[key] = v
					delete(doc, key)
				}
			}
			raw, err := json.Marshal(payload)
			if err != nil {
				return err
			}
			doc["payload"] = raw
		}
		return nil
	},
}

// decode parses raw, migrating older layouts forward. source names the snapshot in errors.
func decode(source string, raw []byte) (*Snapshot, error) {
	doc := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, ngerrors.Corruption(source, err)
	}

	version := 0
	if v, ok := doc["format_version"]; ok {
		if err := json.Unmarshal(v, &version); err != nil {
			return nil, ngerrors.Corruption(source, fmt.Errorf("bad format_version: %w", err))
		}
	}
	if version > FormatVersion || version < 0 {
		return nil, ngerrors.Corruption(source, fmt.Errorf("unsupported format version %d", version))
	}
	for ; version < FormatVersion; version++ {
		upgrade, ok := upgrades[version]
		if !ok {
			return nil, ngerrors.Corruption(source, fmt.Errorf("no upgrade from format version %d", version))
		}
		if err := upgrade(doc); err != nil {
			return nil, ngerrors.Corruption(source, fmt.Errorf("upgrade from version %d: %w", version, err))
		}
	}
	doc["format_version"], _ = json.Marshal(FormatVersion)

	migrated, err := json.Marshal(doc)
	if err != nil {
		return nil, ngerrors.Corruption(source, err)
	}
	snap := &Snapshot{}
	if err := json.Unmarshal(migrated, snap); err != nil {
		return nil, ngerrors.Corruption(source, err)
	}
	if _, ok := doc["payload"]; !ok {
		return nil, ngerrors.Corruption(source, fmt.Errorf("missing payload"))
	}
	return snap, nil
}
