// Package corpus loads the shared sample corpus from CSV. The file is
// read once and held in memory; every worker indexes into the same
// ordered view, so the row order in the file is load-bearing.
package corpus

import (
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/mindhive/annotad/errors"
)

// Sample is one row of the corpus.
type Sample struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Corpus is an ordered, immutable collection of samples.
type Corpus struct {
	samples []Sample
	byID    map[string]int
}

// Load reads a CSV corpus with id and text columns (header matched
// case-insensitively). Rows with a blank ID or blank text are dropped;
// the remaining rows keep their file order.
func Load(path string) (*Corpus, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open corpus %s", path)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read corpus header from %s", path)
	}

	idCol, textCol := -1, -1
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "id":
			idCol = i
		case "text":
			textCol = i
		}
	}
	if idCol < 0 || textCol < 0 {
		return nil, errors.Newf("corpus %s must have id and text columns, got %v", path, header)
	}

	c := &Corpus{byID: make(map[string]int)}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read corpus row from %s", path)
		}
		if idCol >= len(record) || textCol >= len(record) {
			continue
		}
		id := strings.TrimSpace(record[idCol])
		text := record[textCol]
		if id == "" || strings.TrimSpace(text) == "" {
			continue
		}
		if _, dup := c.byID[id]; !dup {
			c.byID[id] = len(c.samples)
		}
		c.samples = append(c.samples, Sample{ID: id, Text: text})
	}

	if len(c.samples) == 0 {
		return nil, errors.Newf("corpus %s contains no usable samples", path)
	}
	return c, nil
}

// Len returns the number of usable samples.
func (c *Corpus) Len() int {
	return len(c.samples)
}

// Get returns the sample at index i, or false when i is out of range.
func (c *Corpus) Get(i int) (Sample, bool) {
	if i < 0 || i >= len(c.samples) {
		return Sample{}, false
	}
	return c.samples[i], true
}

// GetByID returns the first sample with the given ID.
func (c *Corpus) GetByID(id string) (Sample, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Sample{}, false
	}
	return c.samples[i], true
}
