package rdmamig

import (
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// FileConfig is the TOML shape of the tunables file.
type FileConfig struct {
	ChunkShift       uint   `toml:"chunk_shift"`
	MergeMax         uint64 `toml:"merge_max"`
	UnsignaledMax    int    `toml:"unsignaled_max"`
	QPSize           int    `toml:"qp_size"`
	CQSize           int    `toml:"cq_size"`
	ChunkRegister    *bool  `toml:"chunk_register"`
	EagerRegister    bool   `toml:"eager_register"`
	Blocking         *bool  `toml:"blocking"`
	ResolveTimeoutMS int    `toml:"resolve_timeout_ms"`
	LogLevel         string `toml:"log_level"`
}

// LoadConfig reads a TOML tunables file and applies it over the defaults
// for the given transport and blocks.
func LoadConfig(path string, transport Transport, blocks BlockIterator) (Options, error) {
	opts := DefaultOptions(transport, blocks)

	data, err := os.ReadFile(path)
	if err != nil {
		return opts, &Error{Op: "CONFIG", Kind: ErrKindConfig, Msg: "reading " + path, Inner: err}
	}

	var fc FileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return opts, &Error{Op: "CONFIG", Kind: ErrKindConfig, Msg: "parsing " + path, Inner: err}
	}

	if err := applyFileConfig(&opts, &fc); err != nil {
		return opts, err
	}
	return opts, opts.Validate()
}

func applyFileConfig(opts *Options, fc *FileConfig) error {
	if fc.ChunkShift != 0 {
		opts.ChunkShift = fc.ChunkShift
	}
	if fc.MergeMax != 0 {
		opts.MergeMax = fc.MergeMax
	}
	if fc.UnsignaledMax != 0 {
		opts.UnsignaledMax = fc.UnsignaledMax
	}
	if fc.QPSize != 0 {
		opts.QPSize = fc.QPSize
		if fc.CQSize == 0 {
			opts.CQSize = 3 * fc.QPSize
		}
	}
	if fc.CQSize != 0 {
		opts.CQSize = fc.CQSize
	}
	if fc.ChunkRegister != nil {
		opts.ChunkRegister = *fc.ChunkRegister
	}
	opts.EagerRegister = fc.EagerRegister
	if fc.Blocking != nil {
		opts.Blocking = *fc.Blocking
	}
	if fc.ResolveTimeoutMS != 0 {
		opts.ResolveTimeout = time.Duration(fc.ResolveTimeoutMS) * time.Millisecond
	}
	return nil
}
