package pool

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"multisocks/internal/shared/logger"
)

const (
	stateDelimiter = "|"
	stateNumFields = 4 // id|alive|consecutive_failures|avg_latency_ms
)

// SaveState snapshots the health table to a flat, pipe-delimited file
// (SPEC_FULL.md §4.3's optional --state-file persistence), in the same
// line-oriented format the teacher's proxy-list storage uses.
func (p *Pool) SaveState(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("pool: failed to create state file %s: %w", path, err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	for _, status := range p.Snapshot() {
		fmt.Fprintf(w, "%d%s%t%s%d%s%f\n",
			status.Descriptor.ID, stateDelimiter,
			status.Health.Alive, stateDelimiter,
			status.Health.ConsecutiveFailures, stateDelimiter,
			status.Health.AvgLatencyMs)
	}
	return w.Flush()
}

// LoadState warm-starts the health table from a prior SaveState snapshot.
// A missing file is not an error — the pool simply starts with every proxy
// alive, as it would without persistence.
func (p *Pool) LoadState(path string) error {
	l := logger.WithComponent("pool.storage")

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("pool: failed to open state file %s: %w", path, err)
	}
	defer file.Close()

	p.mu.Lock()
	defer p.mu.Unlock()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, stateDelimiter)
		if len(fields) != stateNumFields {
			l.Warn().Str("line", line).Msg("skipping malformed state line")
			continue
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil || id < 0 || id >= len(p.health) {
			l.Warn().Str("line", line).Msg("skipping state line with unknown proxy id")
			continue
		}
		alive, _ := strconv.ParseBool(fields[1])
		failures, _ := strconv.ParseUint(fields[2], 10, 32)
		latency, _ := strconv.ParseFloat(fields[3], 64)

		p.health[id].Alive = alive
		p.health[id].ConsecutiveFailures = uint32(failures)
		p.health[id].AvgLatencyMs = latency
	}
	return scanner.Err()
}
