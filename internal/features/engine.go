package features

import (
	"math"
	"time"
)

// burstBins subdivides the active window for the burstiness feature.
// Ten equal bins approximate "share of activity in the busiest 10% of the
// account's active time" in a single O(n) pass.
const burstBins = 10

// Compute derives the feature vector from a chronological transaction
// history. Pure function: no I/O, no randomness, identical inputs yield
// bit-identical vectors. asOf anchors the account-age feature.
//
// Zero-history edge case: every ratio and interval statistic is 0 and the
// account age is 0. A single transaction yields 0 for interval statistics.
func Compute(history []TransactionRecord, asOf time.Time) *Vector {
	values := make([]float64, Count)

	n := len(history)
	values[TxCount] = float64(n)

	if n > 0 {
		computeIntervals(history, values)
		computeFlows(history, values)
		computeNetwork(history, values)
		computeTemporal(history, values, asOf)
	}

	for i := range values {
		values[i] = clip(values[i], clips[i])
	}

	return &Vector{SchemaVersion: SchemaVersion, Values: values}
}

// computeIntervals fills the inter-transaction interval statistics.
// With fewer than two transactions there is no interval; both stay 0.
func computeIntervals(history []TransactionRecord, values []float64) {
	if len(history) < 2 {
		return
	}

	var sum, sumSq float64
	count := len(history) - 1
	for i := 1; i < len(history); i++ {
		iv := history[i].Timestamp.Sub(history[i-1].Timestamp).Seconds()
		if iv < 0 {
			iv = 0 // provider guarantees chronological order; guard anyway
		}
		sum += iv
		sumSq += iv * iv
	}

	mean := sum / float64(count)
	values[AvgIntervalSeconds] = mean

	if mean > 0 {
		variance := sumSq/float64(count) - mean*mean
		if variance < 0 {
			variance = 0 // floating point cancellation
		}
		values[IntervalCV] = math.Sqrt(variance) / mean
	}
}

// computeFlows fills value statistics and the financial-flow family.
func computeFlows(history []TransactionRecord, values []float64) {
	var totalValue, totalSent, totalReceived, maxValue, maxSent float64
	var totalGas float64

	for _, tx := range history {
		totalValue += tx.ValueETH
		totalGas += float64(tx.GasUsed)
		if tx.ValueETH > maxValue {
			maxValue = tx.ValueETH
		}
		switch tx.Direction {
		case DirectionSent:
			totalSent += tx.ValueETH
			if tx.ValueETH > maxSent {
				maxSent = tx.ValueETH
			}
		case DirectionReceived:
			totalReceived += tx.ValueETH
		}
	}

	n := float64(len(history))
	values[AvgValueETH] = totalValue / n
	values[MaxValueETH] = maxValue
	values[NetFlowETH] = totalReceived - totalSent
	values[AvgGasUsed] = totalGas / n

	if totalSent > 0 {
		values[MaxOutflowRatio] = maxSent / totalSent
	}
	if totalReceived > 0 {
		values[SentReceivedRatio] = totalSent / totalReceived
	}
}

// computeNetwork fills counterparty-graph statistics and the contract
// interaction family.
func computeNetwork(history []TransactionRecord, values []float64) {
	counterparties := make(map[string]struct{})
	contracts := make(map[string]struct{})
	inDegree := make(map[string]struct{})
	outDegree := make(map[string]struct{})

	var contractTxs, contractCalls int
	for _, tx := range history {
		counterparties[tx.Counterparty] = struct{}{}
		if tx.IsContract {
			contractTxs++
			contracts[tx.Counterparty] = struct{}{}
		}
		switch tx.Direction {
		case DirectionSent:
			outDegree[tx.Counterparty] = struct{}{}
			if tx.IsContract {
				contractCalls++
			}
		case DirectionReceived:
			inDegree[tx.Counterparty] = struct{}{}
		}
	}

	n := float64(len(history))
	values[UniqueCounterparties] = float64(len(counterparties))
	values[UniqueContracts] = float64(len(contracts))
	values[ContractCounterpartyRatio] = float64(contractTxs) / n
	values[ContractCallRatio] = float64(contractCalls) / n

	if len(outDegree) > 0 {
		values[InOutDegreeRatio] = float64(len(inDegree)) / float64(len(outDegree))
	}
}

// computeTemporal fills account age and burstiness.
func computeTemporal(history []TransactionRecord, values []float64, asOf time.Time) {
	first := history[0].Timestamp
	last := history[len(history)-1].Timestamp

	age := asOf.Sub(first)
	if age > 0 {
		values[AccountAgeDays] = age.Hours() / 24
	}

	window := last.Sub(first)
	if window <= 0 {
		return // single transaction or zero-width window
	}

	var bins [burstBins]int
	for _, tx := range history {
		idx := int(float64(burstBins) * tx.Timestamp.Sub(first).Seconds() / window.Seconds())
		if idx >= burstBins {
			idx = burstBins - 1
		}
		bins[idx]++
	}

	busiest := 0
	for _, c := range bins {
		if c > busiest {
			busiest = c
		}
	}
	values[Burstiness] = float64(busiest) / float64(len(history))
}

// clip bounds v to the feature's range. NaN and infinities collapse to 0 so
// a degenerate input can never leak an unbounded value into the model.
func clip(v float64, r clipRange) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	if v < r.lo {
		return r.lo
	}
	if v > r.hi {
		return r.hi
	}
	return v
}
