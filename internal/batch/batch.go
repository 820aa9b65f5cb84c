// Package batch scans a directory of banknote photos offline and exports
// the verdicts to CSV.
package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/adverant/nexus/currencyscan-worker/internal/logging"
	"github.com/adverant/nexus/currencyscan-worker/internal/processor"
	"github.com/adverant/nexus/currencyscan-worker/internal/writer"
)

// Scanner runs one scan
type Scanner interface {
	ProcessScan(ctx context.Context, req *processor.ScanRequest) (*processor.ScanResult, error)
}

// Row is the outcome for one file
type Row struct {
	Filename string
	Result   *processor.ScanResult
	Err      error
}

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".webp": true, ".tif": true, ".tiff": true, ".bmp": true,
}

// Header is the CSV header for Row
func Header() []string {
	return []string{"Filename", "Currency", "SerialNumber", "Confidence", "Authentic", "Blocks", "OCRTier", "Error"}
}

// MapRow renders a Row as a CSV record
func MapRow(r Row) []string {
	if r.Result == nil {
		msg := ""
		if r.Err != nil {
			msg = r.Err.Error()
		}
		return []string{r.Filename, "", "", "", "", "", "", msg}
	}
	v := r.Result.Verdict
	return []string{
		r.Filename,
		string(v.CurrencyType),
		v.SerialNumber,
		strconv.FormatFloat(v.Confidence, 'f', 1, 64),
		strconv.FormatBool(v.IsAuthentic),
		strconv.Itoa(r.Result.BlockCount),
		r.Result.OCRTierUsed,
		"",
	}
}

// Options configures a batch run
type Options struct {
	Dir     string
	Output  string // CSV path; empty disables export
	Workers int
	Logger  *logging.Logger
}

// Run scans every image in opts.Dir (not recursive). Per-file failures
// are reported in the rows; only setup errors are returned.
func Run(ctx context.Context, scanner Scanner, opts Options) ([]Row, error) {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	log := opts.Logger
	if log == nil {
		log = logging.NewLogger("batch")
	}

	paths, err := listImages(opts.Dir)
	if err != nil {
		return nil, err
	}
	log.Info("Batch started", "dir", opts.Dir, "files", len(paths), "workers", opts.Workers)

	var out *writer.CSVWriter[Row]
	if opts.Output != "" {
		out = writer.New(MapRow, Header)
		defer out.Close()
	}

	files := make(chan string)
	go func() {
		defer close(files)
		for _, p := range paths {
			select {
			case files <- p:
			case <-ctx.Done():
				return
			}
		}
	}()

	var (
		mu   sync.Mutex
		rows []Row
		wg   sync.WaitGroup
	)
	for i := 0; i < opts.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for path := range files {
				row := scanFile(ctx, scanner, path)
				if row.Err != nil {
					log.Warn("Scan failed", "worker", worker, "file", row.Filename, "error", row.Err)
				}
				if out != nil {
					if err := out.Write([]Row{row}, opts.Output, writer.Append); err != nil {
						log.Error("Failed to write CSV row", "file", row.Filename, "error", err)
					}
				}
				mu.Lock()
				rows = append(rows, row)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	sort.Slice(rows, func(i, j int) bool { return rows[i].Filename < rows[j].Filename })
	log.Info("Batch finished", "files", len(rows))
	return rows, ctx.Err()
}

func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading directory %s: %w", dir, err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	return paths, nil
}

func scanFile(ctx context.Context, scanner Scanner, path string) Row {
	row := Row{Filename: filepath.Base(path)}

	data, err := os.ReadFile(path)
	if err != nil {
		row.Err = fmt.Errorf("reading %s: %w", path, err)
		return row
	}

	row.Result, row.Err = scanner.ProcessScan(ctx, &processor.ScanRequest{
		JobID:      uuid.NewString(),
		UserID:     "cli",
		Filename:   row.Filename,
		FileSize:   int64(len(data)),
		FileBuffer: data,
	})
	return row
}
