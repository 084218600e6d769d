// Package stats implements the incremental aggregation engine.
//
// The engine turns a batch of normalized listing events into catalog upserts
// and per-item-per-hour stat merges, and provides the count-weighted average
// merge shared by live ingestion and the daily rollup compactor.
//
// Weighting invariant: every average field uses the row's update count as its
// weight, not a per-field observation count. Fields with sparse presence are
// therefore slightly misweighted relative to a true per-field mean; this is a
// deliberate simplification carried over from the system's original design and
// must not be "fixed" here, or live merges and compaction would disagree.
package stats

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Mohcka/bptf-analyzer/internal/model"
	"github.com/Mohcka/bptf-analyzer/internal/utils"
)

// hourKey uniquely identifies one HourlyStat row.
type hourKey struct {
	itemName string
	hourUnix int64
}

// accumulator collects one batch's observations for a single item-hour key.
type accumulator struct {
	stat        model.HourlyStat
	priceValues []decimal.Decimal
	priceUSDs   []decimal.Decimal
	keysAmounts []decimal.Decimal
	metalAmount []decimal.Decimal
}

// Aggregate reduces a batch of normalized events into catalog upserts (one
// per distinct item name, last observation wins) and batch-level stat rows
// (one per distinct item-hour key).
//
// Each returned HourlyStat carries this batch's counts and the plain
// arithmetic mean of each currency field over only the observations where the
// field was present; a field with no observations stays null. Merging these
// batch rows into persisted state is the persistence gateway's job (see
// Merge), so Aggregate stays pure and trivially testable.
//
// Output order is deterministic (sorted by item name, then hour) so that the
// gateway touches rows in a stable order across retries.
func Aggregate(events []model.RawEvent) ([]model.ItemCatalogEntry, []model.HourlyStat) {
	if len(events) == 0 {
		return nil, nil
	}

	items := make(map[string]model.ItemCatalogEntry)
	accs := make(map[hourKey]*accumulator)

	for _, ev := range events {
		// Last write wins for catalog attributes.
		items[ev.ItemName] = model.ItemCatalogEntry{
			ItemName:    ev.ItemName,
			QualityName: ev.QualityName,
			ImageURL:    ev.ImageURL,
			Color:       ev.Color,
		}

		key := hourKey{itemName: ev.ItemName, hourUnix: ev.HourBucket.Unix()}
		acc, found := accs[key]
		if !found {
			acc = &accumulator{stat: model.HourlyStat{
				ItemName:      ev.ItemName,
				HourTimestamp: ev.HourBucket,
			}}
			accs[key] = acc
		}

		switch ev.Kind {
		case model.ListingUpdate:
			acc.stat.UpdateCount++
		case model.ListingDelete:
			acc.stat.DeleteCount++
		}

		if ev.PriceValue.Valid {
			acc.priceValues = append(acc.priceValues, ev.PriceValue.Decimal)
		}
		if ev.PriceUSD.Valid {
			acc.priceUSDs = append(acc.priceUSDs, ev.PriceUSD.Decimal)
		}
		if ev.KeysAmount.Valid {
			acc.keysAmounts = append(acc.keysAmounts, ev.KeysAmount.Decimal)
		}
		if ev.MetalAmount.Valid {
			acc.metalAmount = append(acc.metalAmount, ev.MetalAmount.Decimal)
		}
	}

	statRows := make([]model.HourlyStat, 0, len(accs))
	for _, acc := range accs {
		acc.stat.AvgPriceValue = mean(acc.priceValues)
		acc.stat.AvgPriceUSD = mean(acc.priceUSDs)
		acc.stat.AvgKeysAmount = mean(acc.keysAmounts)
		acc.stat.AvgMetalAmount = mean(acc.metalAmount)
		statRows = append(statRows, acc.stat)
	}

	sort.Slice(statRows, func(i, j int) bool {
		if statRows[i].ItemName != statRows[j].ItemName {
			return statRows[i].ItemName < statRows[j].ItemName
		}
		return statRows[i].HourTimestamp.Before(statRows[j].HourTimestamp)
	})

	catalog := make([]model.ItemCatalogEntry, 0, len(items))
	for _, entry := range items {
		catalog = append(catalog, entry)
	}
	sort.Slice(catalog, func(i, j int) bool {
		return catalog[i].ItemName < catalog[j].ItemName
	})

	return catalog, statRows
}

// mean returns the arithmetic mean of values, or null for an empty subset.
func mean(values []decimal.Decimal) decimal.NullDecimal {
	if len(values) == 0 {
		return decimal.NullDecimal{}
	}

	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(v)
	}

	return decimal.NullDecimal{
		Decimal: sum.Div(decimal.NewFromInt(int64(len(values)))),
		Valid:   true,
	}
}

// MergeAverage merges two averages using their update counts as weights.
//
// If both sides are present the result is the weighted mean
// (a*aCount + b*bCount) / (aCount + bCount). If only one side is present it
// is preserved as-is; a null sibling never zeroes out an existing value. If
// both sides are null, or the combined weight is zero, the result is null.
func MergeAverage(a decimal.NullDecimal, aCount int64, b decimal.NullDecimal, bCount int64) decimal.NullDecimal {
	switch {
	case a.Valid && b.Valid:
		total := aCount + bCount
		if total == 0 {
			return decimal.NullDecimal{}
		}
		weighted := a.Decimal.Mul(decimal.NewFromInt(aCount)).
			Add(b.Decimal.Mul(decimal.NewFromInt(bCount)))
		return decimal.NullDecimal{
			Decimal: weighted.Div(decimal.NewFromInt(total)),
			Valid:   true,
		}
	case a.Valid:
		return a
	case b.Valid:
		return b
	default:
		return decimal.NullDecimal{}
	}
}

// Merge folds a batch stat row into an existing row for the same item-hour
// key. Counts are summed and every average field is merged with MergeAverage,
// weighted by each side's update count.
//
// Merge is associative and commutative with respect to batch splitting under
// the update-count weighting, so any partitioning of the same observations
// into batches converges on the same row.
func Merge(existing, batch model.HourlyStat) model.HourlyStat {
	merged := model.HourlyStat{
		ItemName:      existing.ItemName,
		HourTimestamp: existing.HourTimestamp,
		UpdateCount:   existing.UpdateCount + batch.UpdateCount,
		DeleteCount:   existing.DeleteCount + batch.DeleteCount,
	}

	merged.AvgPriceValue = MergeAverage(existing.AvgPriceValue, existing.UpdateCount, batch.AvgPriceValue, batch.UpdateCount)
	merged.AvgPriceUSD = MergeAverage(existing.AvgPriceUSD, existing.UpdateCount, batch.AvgPriceUSD, batch.UpdateCount)
	merged.AvgKeysAmount = MergeAverage(existing.AvgKeysAmount, existing.UpdateCount, batch.AvgKeysAmount, batch.UpdateCount)
	merged.AvgMetalAmount = MergeAverage(existing.AvgMetalAmount, existing.UpdateCount, batch.AvgMetalAmount, batch.UpdateCount)

	return merged
}

// weightedMean accumulates sum(avg*weight) and the total weight of the rows
// where the field was present. Its result comes from one final division;
// folding rows pairwise would divide at every step and the intermediate
// rounding can shift the last digit.
type weightedMean struct {
	sum    decimal.Decimal
	weight int64
}

func (w *weightedMean) add(v decimal.NullDecimal, weight int64) {
	if !v.Valid {
		return
	}
	w.sum = w.sum.Add(v.Decimal.Mul(decimal.NewFromInt(weight)))
	w.weight += weight
}

func (w *weightedMean) mean() decimal.NullDecimal {
	if w.weight == 0 {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{
		Decimal: w.sum.Div(decimal.NewFromInt(w.weight)),
		Valid:   true,
	}
}

// dayAccumulator collects one item's full day of hourly rows.
type dayAccumulator struct {
	updateCount int64
	deleteCount int64
	priceValue  weightedMean
	priceUSD    weightedMean
	keysAmount  weightedMean
	metalAmount weightedMean
}

// CompactDay rolls a day's hourly rows up into daily rows, one per item. Each
// average field is the update-count-weighted mean sum(avg*count)/sum(count)
// over the hours where the field is present, the same weighting rule as the
// live merge, computed with a single division per field.
//
// Rows whose hour falls outside the given calendar day (UTC) are ignored so
// callers can pass a loosely filtered read. An empty input produces an empty
// output, not an error. Output is sorted by item name.
func CompactDay(hours []model.HourlyStat, day time.Time) []model.DailyStat {
	dayStart := utils.TruncateToDay(day)
	dayEnd := dayStart.Add(24 * time.Hour)

	perItem := make(map[string]*dayAccumulator)
	for _, h := range hours {
		hour := h.HourTimestamp.UTC()
		if hour.Before(dayStart) || !hour.Before(dayEnd) {
			continue
		}

		acc, found := perItem[h.ItemName]
		if !found {
			acc = &dayAccumulator{}
			perItem[h.ItemName] = acc
		}

		acc.updateCount += h.UpdateCount
		acc.deleteCount += h.DeleteCount
		acc.priceValue.add(h.AvgPriceValue, h.UpdateCount)
		acc.priceUSD.add(h.AvgPriceUSD, h.UpdateCount)
		acc.keysAmount.add(h.AvgKeysAmount, h.UpdateCount)
		acc.metalAmount.add(h.AvgMetalAmount, h.UpdateCount)
	}

	daily := make([]model.DailyStat, 0, len(perItem))
	for name, acc := range perItem {
		daily = append(daily, model.DailyStat{
			ItemName:       name,
			DayTimestamp:   dayStart,
			UpdateCount:    acc.updateCount,
			DeleteCount:    acc.deleteCount,
			AvgPriceValue:  acc.priceValue.mean(),
			AvgPriceUSD:    acc.priceUSD.mean(),
			AvgKeysAmount:  acc.keysAmount.mean(),
			AvgMetalAmount: acc.metalAmount.mean(),
		})
	}

	sort.Slice(daily, func(i, j int) bool {
		return daily[i].ItemName < daily[j].ItemName
	})

	return daily
}
