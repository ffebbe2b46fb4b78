package beardb

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/mambisi/beardb/keys"
	"github.com/mambisi/beardb/sstable"
)

// compaction describes one unit of work: the input files of a level plus
// the overlapping files of the next, and the layout snapshot used for
// tombstone reasoning.
type compaction struct {
	level       int
	outputLevel int

	// inputs[0] holds the files from level, inputs[1] the overlapping
	// files from outputLevel.
	inputs [2][]*FileMetadata

	// layout is the canonical file layout at pick time, used to decide
	// whether a tombstone can shadow anything below the output level.
	layout [][]*FileMetadata

	maxOutputFileSize int64
	outputs           []*FileMetadata

	minSeqBelow     uint64
	haveMinSeqBelow bool
}

func (c *compaction) numInputs() int {
	return len(c.inputs[0]) + len(c.inputs[1])
}

// expectedKeys sums the input entry counts to size output bloom filters.
func (c *compaction) expectedKeys() int {
	var n uint64
	for _, files := range c.inputs {
		for _, f := range files {
			n += f.NumEntries
		}
	}
	return int(n)
}

// minSeqBelowOutput returns the smallest sequence stored in any table
// below the output level, or MaxSequence when those levels are empty.
// The layout never changes during a compaction, so the answer is cached.
func (c *compaction) minSeqBelowOutput() uint64 {
	if c.haveMinSeqBelow {
		return c.minSeqBelow
	}
	min := uint64(keys.MaxSequence)
	for level := c.outputLevel + 1; level < len(c.layout); level++ {
		for _, f := range c.layout[level] {
			if f.SmallestSeq < min {
				min = f.SmallestSeq
			}
		}
	}
	c.minSeqBelow = min
	c.haveMinSeqBelow = true
	return min
}

// canDropTombstone reports whether a tombstone (already the newest
// version of its user key among the inputs) can be discarded instead of
// written out. Safe when nothing below the output level could still hold
// an older version it needs to shadow:
//   - the output level is the bottom of the tree, or
//   - no deeper table's key range covers the user key, or
//   - every record below is newer than the tombstone, so it shadows
//     nothing down there anyway.
func (c *compaction) canDropTombstone(k keys.InternalKey) bool {
	if c.outputLevel >= len(c.layout)-1 {
		return true
	}
	if k.Seq() < c.minSeqBelowOutput() {
		return true
	}
	userKey := k.UserKey()
	for level := c.outputLevel + 1; level < len(c.layout); level++ {
		for _, f := range c.layout[level] {
			if f.OverlapsUserKey(userKey) {
				return false
			}
		}
	}
	return true
}

// compactor owns the single background worker that keeps the tree in
// shape. The DB pokes it through Schedule after flushes; it signals each
// round's outcome on done and broadcasts flushBP when an L0 compaction
// relieves write backpressure.
type compactor struct {
	versions *VersionSet
	tables   *tableRegistry
	opts     *Options
	logger   *slog.Logger
	flushBP  *sync.Cond

	// onInstall is called after a compaction lands so the DB can publish
	// a fresh version snapshot.
	onInstall func()

	wakeup  chan struct{}
	done    chan error
	closeCh chan struct{}

	// runMu serializes compaction rounds across the worker and manual
	// CompactAll calls.
	runMu sync.Mutex

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func newCompactor(versions *VersionSet, tables *tableRegistry, opts *Options, logger *slog.Logger, flushBP *sync.Cond, onInstall func()) *compactor {
	c := &compactor{
		versions:  versions,
		tables:    tables,
		opts:      opts,
		logger:    logger,
		flushBP:   flushBP,
		onInstall: onInstall,
		wakeup:    make(chan struct{}, 1),
		done:      make(chan error, 1),
		closeCh:   make(chan struct{}),
	}
	c.wg.Add(1)
	go c.worker()
	return c
}

// Schedule wakes the worker. Non-blocking; a pending signal is enough.
func (c *compactor) Schedule() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.wakeup <- struct{}{}:
	default:
	}
}

func (c *compactor) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.closeCh:
			return
		case <-c.wakeup:
			_, err := c.runOnce()
			select {
			case c.done <- err:
			default:
			}
		}
	}
}

// runOnce picks and executes at most one compaction. Returns whether any
// work was done.
func (c *compactor) runOnce() (bool, error) {
	return c.compactOnce(c.pick)
}

// runForced executes one round of manual compaction: the shallowest
// populated level is pushed down regardless of triggers and scores.
// Repeated calls migrate everything to the deepest occupied level.
func (c *compactor) runForced() (bool, error) {
	return c.compactOnce(c.pickForced)
}

// compactOnce runs one compaction round. Rounds are mutually exclusive,
// and the inputs are picked under the same lock: a round picked from a
// snapshot that predates another round's install could select the same
// files and land overlapping outputs on the same level.
func (c *compactor) compactOnce(pick func([][]*FileMetadata) *compaction) (bool, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	work := pick(c.versions.LiveFiles())
	if work == nil {
		return false, nil
	}

	start := time.Now()
	err := c.run(work)
	if err != nil {
		c.logger.Error("compaction failed",
			"level", work.level, "output_level", work.outputLevel, "error", err)
		return true, err
	}
	c.logger.Info("compaction finished",
		"level", work.level,
		"output_level", work.outputLevel,
		"input_files", work.numInputs(),
		"output_files", len(work.outputs),
		"duration", time.Since(start))

	if c.onInstall != nil {
		c.onInstall()
	}
	if work.level == 0 && c.flushBP != nil {
		c.flushBP.Broadcast()
	}
	return true, nil
}

// pick chooses the most urgent compaction: L0 by file count first, then
// the level with the highest size score.
func (c *compactor) pick(layout [][]*FileMetadata) *compaction {
	if len(layout) == 0 {
		return nil
	}
	if len(layout[0]) >= c.opts.L0CompactionTrigger {
		inputs := append([]*FileMetadata(nil), layout[0]...)
		work := &compaction{
			level:             0,
			outputLevel:       1,
			layout:            layout,
			maxOutputFileSize: c.opts.TargetFileSize(1),
		}
		work.inputs[0] = inputs
		work.inputs[1] = overlappingFiles(layout, 1, inputs)
		return work
	}

	bestLevel, bestScore := -1, 1.0
	for level := 1; level < len(layout)-1; level++ {
		files := layout[level]
		if len(files) < 2 {
			continue
		}
		var total int64
		for _, f := range files {
			total += int64(f.Size)
		}
		score := float64(total) / float64(c.opts.LevelMaxBytes(level))
		if score >= bestScore {
			bestLevel, bestScore = level, score
		}
	}
	if bestLevel == -1 {
		return nil
	}

	inputs := c.selectFiles(layout[bestLevel], bestLevel)
	if len(inputs) == 0 {
		return nil
	}
	work := &compaction{
		level:             bestLevel,
		outputLevel:       bestLevel + 1,
		layout:            layout,
		maxOutputFileSize: c.opts.TargetFileSize(bestLevel + 1),
	}
	work.inputs[0] = inputs
	work.inputs[1] = overlappingFiles(layout, bestLevel+1, inputs)
	return work
}

// pickForced compacts the shallowest level holding files into the level
// below it, ignoring triggers. The deepest occupied level stays put once
// nothing sits above it.
func (c *compactor) pickForced(layout [][]*FileMetadata) *compaction {
	deepest := -1
	for level := len(layout) - 1; level >= 0; level-- {
		if len(layout[level]) > 0 {
			deepest = level
			break
		}
	}
	if deepest < 0 {
		return nil
	}
	for level := 0; level < len(layout)-1; level++ {
		if len(layout[level]) == 0 {
			continue
		}
		// A single sorted run at the bottom of the written tree is
		// quiescent. L0 files overlap each other, so more than one of
		// them always warrants a merge.
		if level == deepest && (level > 0 || len(layout[0]) == 1) {
			return nil
		}
		inputs := append([]*FileMetadata(nil), layout[level]...)
		work := &compaction{
			level:             level,
			outputLevel:       level + 1,
			layout:            layout,
			maxOutputFileSize: c.opts.TargetFileSize(level + 1),
		}
		work.inputs[0] = inputs
		work.inputs[1] = overlappingFiles(layout, level+1, inputs)
		return work
	}
	return nil
}

// selectFiles picks the oldest files of a level up to roughly one output
// file's worth of input.
func (c *compactor) selectFiles(files []*FileMetadata, level int) []*FileMetadata {
	if len(files) < 2 {
		return nil
	}
	sorted := append([]*FileMetadata(nil), files...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].FileNum < sorted[j].FileNum })

	targetInput := int64(float64(c.opts.TargetFileSize(level+1)) * 1.2)
	var selected []*FileMetadata
	var total int64
	for _, f := range sorted {
		selected = append(selected, f)
		total += int64(f.Size)
		if len(selected) >= 2 && (total >= targetInput || len(selected) >= 8) {
			break
		}
	}
	if len(selected) < 2 {
		selected = sorted[:2]
	}
	return selected
}

// overlappingFiles returns the files of target whose key ranges
// intersect the combined range of inputs.
func overlappingFiles(layout [][]*FileMetadata, target int, inputs []*FileMetadata) []*FileMetadata {
	if target >= len(layout) || len(inputs) == 0 {
		return nil
	}
	var smallest, largest keys.InternalKey
	for _, f := range inputs {
		if smallest == nil || f.Smallest.Compare(smallest) < 0 {
			smallest = f.Smallest
		}
		if largest == nil || f.Largest.Compare(largest) > 0 {
			largest = f.Largest
		}
	}
	var overlapping []*FileMetadata
	for _, f := range layout[target] {
		if f.Overlaps(smallest, largest) {
			overlapping = append(overlapping, f)
		}
	}
	return overlapping
}

// run merges the inputs into fresh output tables and installs the swap
// through a version edit. Input readers are pinned for the duration, so
// concurrent iterators and the files themselves stay intact until the
// edit lands and the last reference drains.
func (c *compactor) run(work *compaction) error {
	merged := newMergeIterator(nil, true, keys.MaxSequence, work.numInputs())
	var held []*sstable.Reader
	releaseHeld := func() {
		for _, r := range held {
			r.Unref()
		}
	}

	for _, files := range work.inputs {
		for _, f := range files {
			r, err := c.tables.Acquire(f.FileNum)
			if err != nil {
				merged.Close()
				releaseHeld()
				return fmt.Errorf("open input table %06d: %w", f.FileNum, err)
			}
			held = append(held, r)
			merged.addIterator(r.NewIterator(sstable.IterOpts{
				BypassCache: c.opts.CompactionBypassCache,
			}))
		}
	}
	defer releaseHeld()
	defer merged.Close()

	var (
		writer  *sstable.Writer
		fileNum uint64
	)
	finishOutput := func() error {
		if writer == nil {
			return nil
		}
		meta, err := c.finishTable(writer, fileNum)
		writer = nil
		if err != nil {
			return err
		}
		work.outputs = append(work.outputs, meta)
		return nil
	}

	for merged.SeekToFirst(); merged.Valid(); merged.Next() {
		k := merged.Key()
		if k.Kind() == keys.KindTombstone && work.canDropTombstone(k) {
			continue
		}

		if writer == nil {
			fileNum = c.versions.NewFileNumber()
			var err error
			writer, err = sstable.NewWriter(sstable.WriterOpts{
				Path:            sstable.FileName(c.versions.dir, fileNum) + ".tmp",
				BlockSize:       c.opts.BlockSize,
				RestartInterval: c.opts.BlockRestartInterval,
				Compression:     c.opts.CompressionForLevel(work.outputLevel),
				ExpectedKeys:    work.expectedKeys(),
				FilterFP:        c.opts.FilterFP,
				Logger:          c.logger,
			})
			if err != nil {
				return err
			}
		}

		if err := writer.Add(k, merged.Value()); err != nil {
			writer.Abort()
			return err
		}
		if int64(writer.EstimatedSize()) >= work.maxOutputFileSize {
			if err := finishOutput(); err != nil {
				return err
			}
		}
	}
	if err := merged.Error(); err != nil {
		if writer != nil {
			writer.Abort()
		}
		return err
	}
	if err := finishOutput(); err != nil {
		return err
	}

	edit := NewVersionEdit()
	for i, files := range work.inputs {
		level := work.level
		if i == 1 {
			level = work.outputLevel
		}
		for _, f := range files {
			edit.RemoveFile(level, f.FileNum)
		}
	}
	for _, meta := range work.outputs {
		edit.AddFile(work.outputLevel, meta)
	}
	if err := c.versions.LogAndApply(edit); err != nil {
		return fmt.Errorf("install compaction: %w", err)
	}
	return nil
}

// finishTable seals a writer, renames the temp file into place and
// returns its metadata.
func (c *compactor) finishTable(writer *sstable.Writer, fileNum uint64) (*FileMetadata, error) {
	if err := writer.Finish(); err != nil {
		writer.Abort()
		return nil, err
	}
	tmpPath := writer.Path()
	finalPath := sstable.FileName(c.versions.dir, fileNum)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("rename output table: %w", err)
	}

	return &FileMetadata{
		FileNum:       fileNum,
		Size:          writer.Size(),
		Smallest:      append(keys.InternalKey(nil), writer.Smallest()...),
		Largest:       append(keys.InternalKey(nil), writer.Largest()...),
		NumEntries:    writer.NumEntries(),
		SmallestSeq:   writer.SmallestSeq(),
		LargestSeq:    writer.LargestSeq(),
		NumTombstones: writer.NumTombstones(),
	}, nil
}

// Close stops the worker and waits for it.
func (c *compactor) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.closeCh)
	c.mu.Unlock()
	c.wg.Wait()
}
