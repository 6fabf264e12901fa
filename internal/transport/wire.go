package transport

import (
	"encoding/json"
	"time"

	"GateLens/internal/model"
)

// wireMetadata mirrors the metadata object of a gateway connection entry.
type wireMetadata struct {
	Host          string `json:"host"`
	SniffHost     string `json:"sniffHost"`
	DestinationIP string `json:"destinationIP"`
	SourceIP      string `json:"sourceIP"`
}

// wireConnection mirrors a single element of the gateway's connections array.
// Upload and Download are cumulative for the lifetime of the connection.
type wireConnection struct {
	ID          string       `json:"id"`
	Upload      int64        `json:"upload"`
	Download    int64        `json:"download"`
	Chains      []string     `json:"chains"`
	Rule        string       `json:"rule"`
	RulePayload string       `json:"rulePayload"`
	Metadata    wireMetadata `json:"metadata"`
}

// wireMessage is the periodic push message from a gateway. A message without
// a connections field is a keepalive. Raw entries are decoded one by one so a
// malformed entry skips only itself, not the whole batch.
type wireMessage struct {
	Connections *[]json.RawMessage `json:"connections"`
}

// ParseSnapshot decodes one gateway push message. The second return value is
// false for keepalive messages. Malformed entries and entries missing required
// fields are skipped individually; only an unparseable envelope is an error.
func ParseSnapshot(data []byte, at time.Time) (*model.Snapshot, bool, error) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, false, err
	}
	if msg.Connections == nil {
		return nil, false, nil
	}

	snap := &model.Snapshot{At: at}
	for _, raw := range *msg.Connections {
		var wc wireConnection
		if err := json.Unmarshal(raw, &wc); err != nil {
			continue
		}
		if wc.ID == "" {
			continue
		}

		domain := wc.Metadata.Host
		if domain == "" {
			domain = wc.Metadata.SniffHost
		}
		if domain == "" {
			domain = wc.Metadata.DestinationIP
		}

		snap.Connections = append(snap.Connections, model.ConnectionInfo{
			ID:            wc.ID,
			Domain:        domain,
			DestinationIP: wc.Metadata.DestinationIP,
			SourceIP:      wc.Metadata.SourceIP,
			Chains:        wc.Chains,
			Rule:          wc.Rule,
			RulePayload:   wc.RulePayload,
			Upload:        clampUint64(wc.Upload),
			Download:      clampUint64(wc.Download),
		})
	}
	return snap, true, nil
}

func clampUint64(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}
