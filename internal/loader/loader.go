// Package loader reads job definition files and turns them into pending tasks.
package loader

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/esdata/orchestrator/internal/config"
	"github.com/esdata/orchestrator/internal/model"
)

// RequiredColumns must all be present in a job definition header.
var RequiredColumns = []string{"Website", "City", "Operation", "Product", "URL"}

// Loader reads `<collector>_urls.csv` (or `.xlsx`) files from a jobs
// directory and expands each row into tasks.
type Loader struct {
	dir         string
	maxAttempts int
}

func New(dir string, maxAttempts int) *Loader {
	return &Loader{dir: dir, maxAttempts: maxAttempts}
}

// Available lists collector names that have a job definition file present.
func (l *Loader) Available() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "loader: read jobs dir %s", l.dir)
	}

	seen := map[string]bool{}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.ToLower(e.Name())
		for _, ext := range []string{"_urls.csv", "_urls.xlsx"} {
			if strings.HasSuffix(name, ext) {
				collector := strings.TrimSuffix(name, ext)
				if !seen[collector] {
					seen[collector] = true
					names = append(names, collector)
				}
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

// Load reads the job definition for one collector and returns its tasks,
// in file order. Each row yields a main task; collectors with a detail
// stage also get a paired detail task per row. A missing file is not an
// error: the collector simply contributes no tasks this batch.
func (l *Loader) Load(cfg config.CollectorConfig) ([]model.Task, error) {
	rows, header, path, err := l.readRows(cfg.Name)
	if err != nil {
		return nil, err
	}
	if path == "" {
		zap.L().Warn("no job definition file, skipping collector",
			zap.String("collector", cfg.Name),
			zap.String("dir", l.dir))
		return nil, nil
	}

	cols, err := columnIndex(header)
	if err != nil {
		return nil, eris.Wrapf(err, "loader: %s", path)
	}

	now := time.Now().UTC()
	var tasks []model.Task
	ordinal := 0
	for _, row := range rows {
		locator := strings.TrimSpace(cell(row, cols["URL"]))
		if locator == "" {
			continue
		}
		ordinal++

		main := model.Task{
			Collector:   strings.ToLower(cfg.Name),
			Website:     cfg.Website,
			City:        Code(cell(row, cols["City"])),
			Operation:   Code(cell(row, cols["Operation"])),
			Product:     Code(cell(row, cols["Product"])),
			Locator:     locator,
			Ordinal:     ordinal,
			Status:      model.TaskStatusPending,
			MaxAttempts: l.maxAttempts,
			CreatedAt:   now,
		}
		tasks = append(tasks, main)

		if cfg.HasDetail {
			detail := main
			detail.Collector = main.Collector + model.DetailSuffix
			tasks = append(tasks, detail)
		}
	}

	zap.L().Info("loaded job definitions",
		zap.String("collector", cfg.Name),
		zap.String("file", path),
		zap.Int("tasks", len(tasks)))
	return tasks, nil
}

// readRows locates the collector's file, preferring CSV over XLSX, and
// returns its data rows plus the header row.
func (l *Loader) readRows(collector string) (rows [][]string, header []string, path string, err error) {
	base := strings.ToLower(collector) + "_urls"

	csvPath := filepath.Join(l.dir, base+".csv")
	if _, statErr := os.Stat(csvPath); statErr == nil {
		rows, header, err = readCSV(csvPath)
		return rows, header, csvPath, err
	}

	xlsxPath := filepath.Join(l.dir, base+".xlsx")
	if _, statErr := os.Stat(xlsxPath); statErr == nil {
		rows, header, err = readXLSX(xlsxPath)
		return rows, header, xlsxPath, err
	}

	return nil, nil, "", nil
}

func readCSV(path string) ([][]string, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "loader: open %s", path)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	var header []string
	var rows [][]string
	first := true
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, eris.Wrapf(err, "loader: parse %s", path)
		}
		if first {
			header = record
			first = false
			continue
		}
		rows = append(rows, record)
	}
	return rows, header, nil
}

func readXLSX(path string) ([][]string, []string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "loader: open %s", path)
	}
	if len(f.Sheets) == 0 {
		return nil, nil, eris.Errorf("loader: %s has no sheets", path)
	}

	var header []string
	var rows [][]string
	for i, row := range f.Sheets[0].Rows {
		cells := make([]string, len(row.Cells))
		for j, c := range row.Cells {
			cells[j] = c.String()
		}
		if i == 0 {
			header = cells
			continue
		}
		rows = append(rows, cells)
	}
	return rows, header, nil
}

// columnIndex maps required column names to positions, case-insensitively.
func columnIndex(header []string) (map[string]int, error) {
	idx := map[string]int{}
	for i, name := range header {
		idx[strings.ToLower(strings.TrimSpace(name))] = i
	}

	cols := map[string]int{}
	var missing []string
	for _, want := range RequiredColumns {
		pos, ok := idx[strings.ToLower(want)]
		if !ok {
			missing = append(missing, want)
			continue
		}
		cols[want] = pos
	}
	if len(missing) > 0 {
		return nil, eris.Errorf("missing required columns: %s", strings.Join(missing, ", "))
	}
	return cols, nil
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}
