// Package features turns an address's transaction history into the fixed
// feature vector the fraud classifier was trained on.
//
// The schema is versioned: the name→index ordering below is frozen for the
// lifetime of a model bundle, and a bundle whose feature names differ from
// this ordering is rejected at load time. Adding, removing, or reordering
// features requires a new schema version and a retrained bundle.
package features

import (
	"time"
)

// SchemaVersion identifies the feature ordering below. Bump on any change.
const SchemaVersion = "v1"

// Direction indicates whether the scored address sent or received a transaction.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// TransactionRecord is one on-chain event involving the scored address,
// as supplied by the blockchain data provider. Never mutated here.
type TransactionRecord struct {
	Direction    Direction `json:"direction"`
	Counterparty string    `json:"counterparty"`
	ValueETH     float64   `json:"valueEth"`
	Timestamp    time.Time `json:"timestamp"`
	IsContract   bool      `json:"isContract"` // counterparty is a contract
	GasUsed      uint64    `json:"gasUsed"`
}

// Feature indices into a Vector. Order is part of the schema contract.
const (
	TxCount = iota
	AvgIntervalSeconds
	IntervalCV
	AvgValueETH
	MaxValueETH
	UniqueCounterparties
	ContractCounterpartyRatio
	InOutDegreeRatio
	NetFlowETH
	MaxOutflowRatio
	SentReceivedRatio
	ContractCallRatio
	UniqueContracts
	AccountAgeDays
	Burstiness
	AvgGasUsed

	Count // total number of features
)

var names = [Count]string{
	TxCount:                   "tx_count",
	AvgIntervalSeconds:        "avg_interval_seconds",
	IntervalCV:                "interval_cv",
	AvgValueETH:               "avg_value_eth",
	MaxValueETH:               "max_value_eth",
	UniqueCounterparties:      "unique_counterparties",
	ContractCounterpartyRatio: "contract_counterparty_ratio",
	InOutDegreeRatio:          "in_out_degree_ratio",
	NetFlowETH:                "net_flow_eth",
	MaxOutflowRatio:           "max_outflow_ratio",
	SentReceivedRatio:         "sent_received_ratio",
	ContractCallRatio:         "contract_call_ratio",
	UniqueContracts:           "unique_contracts",
	AccountAgeDays:            "account_age_days",
	Burstiness:                "burstiness",
	AvgGasUsed:                "avg_gas_used",
}

// clipRange bounds each feature to a finite range so a single pathological
// history cannot destabilize the scorer.
type clipRange struct{ lo, hi float64 }

var clips = [Count]clipRange{
	TxCount:                   {0, 1e6},
	AvgIntervalSeconds:        {0, 1e9}, // ~31 years
	IntervalCV:                {0, 100},
	AvgValueETH:               {0, 1e6},
	MaxValueETH:               {0, 1e9},
	UniqueCounterparties:      {0, 1e6},
	ContractCounterpartyRatio: {0, 1},
	InOutDegreeRatio:          {0, 1000},
	NetFlowETH:                {-1e9, 1e9},
	MaxOutflowRatio:           {0, 1},
	SentReceivedRatio:         {0, 1000},
	ContractCallRatio:         {0, 1},
	UniqueContracts:           {0, 1e6},
	AccountAgeDays:            {0, 36500},
	Burstiness:                {0, 1},
	AvgGasUsed:                {0, 1e8},
}

// Names returns the schema's feature ordering. The returned slice is a copy.
func Names() []string {
	out := make([]string, Count)
	copy(out, names[:])
	return out
}

// Vector is an ordered feature vector computed for one address at one point
// in time. Valid only against a bundle trained on the same schema version.
type Vector struct {
	SchemaVersion string    `json:"schema_version"`
	Values        []float64 `json:"values"`
}

// Named returns the vector as a name→value map for display and debugging.
func (v *Vector) Named() map[string]float64 {
	out := make(map[string]float64, len(v.Values))
	for i, val := range v.Values {
		if i < len(names) {
			out[names[i]] = val
		}
	}
	return out
}
