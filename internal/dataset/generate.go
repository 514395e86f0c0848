// ============================================================================
// SalesGrid Dataset Generator
// ============================================================================
//
// Responsibility:
//   1. Produce reproducible sales datasets in the canonical CSV layout
//   2. Mirror the distribution shape of the reference data: fixed
//      category/region vocabularies, log-normal prices, small quantities
//   3. Write in batches so multi-million row files don't buffer in memory
//
// ============================================================================

package dataset

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"math"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/salesgrid/salesgrid/pkg/types"
)

var (
	categories = []string{
		"Electronics", "Clothing", "Home & Garden", "Sports", "Books",
		"Toys", "Health", "Automotive", "Food", "Beauty",
	}
	regions = []string{"North", "South", "East", "West", "Central"}
)

// GenerateConfig controls dataset generation.
type GenerateConfig struct {
	Rows int   // number of records to produce
	Seed int64 // RNG seed, same seed + rows => identical file
}

// Generate writes a reproducible sales dataset CSV to path.
func Generate(path string, cfg GenerateConfig) error {
	if cfg.Rows <= 0 {
		return fmt.Errorf("generate: rows must be positive, got %d", cfg.Rows)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create dataset: %w", err)
	}
	defer f.Close()

	bw := bufio.NewWriterSize(f, 1<<20)
	w := csv.NewWriter(bw)

	if err := w.Write(csvHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))

	// Order dates step forward in hours from a fixed epoch, spreading the
	// dataset over roughly four years regardless of row count.
	epoch := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	stepHours := (4 * 365 * 24) / cfg.Rows
	if stepHours < 1 {
		stepHours = 1
	}

	row := make([]string, len(csvHeader))
	for i := 0; i < cfg.Rows; i++ {
		rec := randomRecord(rng, int64(i+1), epoch.Add(time.Duration(i*stepHours)*time.Hour))
		row[0] = strconv.FormatInt(rec.TransactionID, 10)
		row[1] = rec.OrderDate.Format(orderDateLayout)
		row[2] = strconv.FormatInt(rec.ProductID, 10)
		row[3] = rec.ProductName
		row[4] = rec.Category
		row[5] = strconv.FormatFloat(rec.Price, 'f', 2, 64)
		row[6] = strconv.FormatInt(rec.Quantity, 10)
		row[7] = strconv.FormatInt(rec.CustomerID, 10)
		row[8] = rec.Region
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write row %d: %w", i+1, err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush dataset: %w", err)
	}
	return bw.Flush()
}

// GenerateRecords produces the same record stream in memory, for tests
// and the demo command.
func GenerateRecords(cfg GenerateConfig) []types.SalesRecord {
	if cfg.Rows <= 0 {
		return nil
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	epoch := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	stepHours := (4 * 365 * 24) / cfg.Rows
	if stepHours < 1 {
		stepHours = 1
	}

	records := make([]types.SalesRecord, cfg.Rows)
	for i := range records {
		records[i] = randomRecord(rng, int64(i+1), epoch.Add(time.Duration(i*stepHours)*time.Hour))
	}
	return records
}

func randomRecord(rng *rand.Rand, txID int64, orderDate time.Time) types.SalesRecord {
	// Log-normal price (mean 3, sigma 1 in log space) rounded to cents,
	// matching the reference data's long-tailed price distribution.
	price := math.Round(math.Exp(rng.NormFloat64()+3)*100) / 100

	productIdx := 1 + rng.Intn(1000)
	return types.SalesRecord{
		TransactionID: txID,
		OrderDate:     orderDate,
		ProductID:     int64(1000 + rng.Intn(9000)),
		ProductName:   fmt.Sprintf("Product_%d", productIdx),
		Category:      categories[rng.Intn(len(categories))],
		Price:         price,
		Quantity:      int64(1 + rng.Intn(9)),
		CustomerID:    int64(10000 + rng.Intn(90000)),
		Region:        regions[rng.Intn(len(regions))],
	}
}
