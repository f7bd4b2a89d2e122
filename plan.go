package transpose

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ygrebnov/errorc"
	"gopkg.in/yaml.v3"

	"github.com/ygrebnov/transpose/pool"
)

// Plan describes one run: the block geometry, the collector policy and the
// files with their destination hosts. It is usually loaded from YAML:
//
//	shape: {samples: 16, subbands: 488, channels: 1}
//	max_in_flight: 8
//	drop: true
//	pool_size: 64
//	accept_timeout: 1s
//	files:
//	  - {index: 0, total_blocks: 600, host: "store-01:9000"}
//	  - {index: 1, total_blocks: 600, host: "store-02:9000"}
type Plan struct {
	Shape         Shape         `yaml:"shape"`
	MaxInFlight   uint          `yaml:"max_in_flight"`
	Drop          bool          `yaml:"drop"`
	PoolSize      uint          `yaml:"pool_size"`
	QueueSize     uint          `yaml:"queue_size"`
	AcceptTimeout time.Duration `yaml:"accept_timeout"`
	Files         []FilePlan    `yaml:"files"`
}

// FilePlan is one output file of a Plan.
type FilePlan struct {
	Index       uint64 `yaml:"index"`
	TotalBlocks uint64 `yaml:"total_blocks"`
	Host        string `yaml:"host"`
}

// ParsePlan decodes and validates a YAML plan. Unknown keys are rejected.
func ParsePlan(data []byte) (*Plan, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var p Plan
	if err := dec.Decode(&p); err != nil {
		return nil, errorc.With(fmt.Errorf("%w: %w", ErrInvalidConfig, err), errorc.String("", "decoding plan"))
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadPlan reads and parses the plan file at path.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errorc.With(err, errorc.String("plan", path))
	}
	return ParsePlan(data)
}

// Validate checks the plan for consistency.
func (p *Plan) Validate() error {
	if err := p.Shape.Validate(); err != nil {
		return err
	}
	if p.PoolSize == 0 {
		return errorc.With(ErrInvalidConfig, errorc.String("", "plan requires a positive pool_size"))
	}
	if len(p.Files) == 0 {
		return errorc.With(ErrInvalidConfig, errorc.String("", "plan lists no files"))
	}
	seen := make(map[uint64]struct{}, len(p.Files))
	for _, f := range p.Files {
		if _, dup := seen[f.Index]; dup {
			return errorc.With(ErrInvalidConfig, errorc.String("duplicate file", u64(f.Index)))
		}
		seen[f.Index] = struct{}{}
	}
	return nil
}

// HostMap returns the file to host routing of the files that have a host.
func (p *Plan) HostMap() HostMap {
	hosts := make(HostMap, len(p.Files))
	for _, f := range p.Files {
		if f.Host != "" {
			hosts[f.Index] = f.Host
		}
	}
	return hosts
}

// Options translates the plan's policy into component options. Zero values
// keep the component defaults.
func (p *Plan) Options() []Option {
	var opts []Option
	if p.MaxInFlight > 0 {
		opts = append(opts, WithMaxInFlight(p.MaxInFlight))
	}
	if p.Drop {
		opts = append(opts, WithDropping())
	}
	if p.QueueSize > 0 {
		opts = append(opts, WithQueueSize(p.QueueSize))
	}
	if p.AcceptTimeout > 0 {
		opts = append(opts, WithAcceptTimeout(p.AcceptTimeout))
	}
	return opts
}

// NewRouter builds one Collector per planned file, all sharing blocks, each
// emitting into sinkFor(file). opts are applied after the plan's own options.
func (p *Plan) NewRouter(blocks pool.Pool[*Block], sinkFor func(fileIndex uint64) Sink, opts ...Option) (*Router, error) {
	base := append(p.Options(), opts...)

	collectors := make([]*Collector, 0, len(p.Files))
	for _, f := range p.Files {
		copts := append(slices.Clone(base), WithTotalBlocks(f.TotalBlocks))
		c, err := NewCollector(f.Index, p.Shape, blocks, sinkFor(f.Index), copts...)
		if err != nil {
			return nil, err
		}
		collectors = append(collectors, c)
	}
	return NewRouter(collectors...)
}

// NewBlockPool returns a bounded pool of capacity blocks of the given shape.
// Blocks are allocated lazily.
func NewBlockPool(shape Shape, capacity uint, logger *slog.Logger) pool.Pool[*Block] {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("block pool configured",
		"shape", shape.String(),
		"blocks", capacity,
		"block_size", humanize.IBytes(uint64(shape.Bytes())),
		"max_footprint", humanize.IBytes(uint64(shape.Bytes())*uint64(capacity)),
	)
	return pool.NewFixed(capacity, func() *Block { return NewBlock(shape) })
}
