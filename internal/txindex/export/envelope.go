// Package export publishes flushed transfers to Kafka so other systems (the
// archiver among them) can follow the index without reading its store.
package export

import (
	"encoding/json"
	"strings"

	"github.com/chenzhangda16/web3-txindex/internal/txindex/model"
	"github.com/chenzhangda16/web3-txindex/pkg/hash"
)

const TypeTransfer = "transfer"

type Envelope struct {
	Type string          `json:"type"`
	TS   int64           `json:"ts"` // unix milli
	Data json.RawMessage `json:"data"`
}

// Transfer is the payload of a TypeTransfer envelope. ID is stable across
// re-deliveries of the same record, so consumers can upsert on it.
type Transfer struct {
	ID string `json:"id"`
	model.TransferRecord
}

// EventID hashes the storage key of rec.
func EventID(rec model.TransferRecord) (string, error) {
	k, err := rec.Key()
	if err != nil {
		return "", err
	}
	return hash.NewBuilder().PutString(TypeTransfer).PutBytes(k).Sum32().Hex(), nil
}

func SplitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, x := range parts {
		x = strings.TrimSpace(x)
		if x != "" {
			out = append(out, x)
		}
	}
	return out
}
