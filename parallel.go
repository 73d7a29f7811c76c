package sfs

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/absfs/sfs/feistel"
)

// ParallelConfig controls parallel block processing
type ParallelConfig struct {
	// Enabled enables parallel block processing
	Enabled bool `yaml:"enabled"`

	// MaxWorkers is the maximum number of worker goroutines
	// If 0, defaults to runtime.NumCPU()
	MaxWorkers int `yaml:"max_workers"`

	// MinBlocksForParallel is the minimum number of blocks to use parallel processing
	// Below this threshold, sequential processing is used
	MinBlocksForParallel int `yaml:"min_blocks"`

	// BlocksPerJob is the number of blocks handed to a worker at once
	BlocksPerJob int `yaml:"blocks_per_job"`
}

// Validate checks if the parallel configuration is valid
func (p *ParallelConfig) Validate() error {
	if !p.Enabled {
		return nil // Nothing to validate if disabled
	}

	if p.MaxWorkers < 0 {
		return errors.New("parallel max workers cannot be negative")
	}
	if p.MaxWorkers > 1024 {
		return errors.New("parallel max workers must not exceed 1024")
	}
	if p.MinBlocksForParallel < 1 {
		return errors.New("parallel min blocks threshold must be at least 1")
	}
	if p.BlocksPerJob < 0 {
		return errors.New("parallel blocks per job cannot be negative")
	}

	return nil
}

// DefaultParallelConfig returns the default parallel processing configuration
func DefaultParallelConfig() ParallelConfig {
	return ParallelConfig{
		Enabled:              true,
		MaxWorkers:           runtime.NumCPU(),
		MinBlocksForParallel: 4096,
		BlocksPerJob:         1024,
	}
}

// transformBlocks runs ECB over every whole block of buf in place. Blocks are
// independent, so the parallel path produces the same bytes as the
// sequential one.
func transformBlocks(cfg ParallelConfig, s *feistel.Schedule, buf []byte, encrypt bool) error {
	blocks := len(buf) / BlockSize
	if blocks == 0 {
		return nil
	}

	if !cfg.Enabled || blocks < cfg.MinBlocksForParallel {
		ecbRange(s, buf[:blocks*BlockSize], encrypt)
		return nil
	}

	per := cfg.BlocksPerJob
	if per <= 0 {
		per = 1024
	}
	jobs := (blocks + per - 1) / per

	// Determine number of workers
	numWorkers := cfg.MaxWorkers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if numWorkers > jobs {
		numWorkers = jobs
	}

	var wg sync.WaitGroup
	jobChan := make(chan int, jobs)
	errChan := make(chan error, numWorkers)

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					err := fmt.Errorf("panic in block worker: %v", r)
					select {
					case errChan <- err:
					default:
					}
				}
			}()
			for j := range jobChan {
				start := j * per * BlockSize
				end := min(start+per*BlockSize, blocks*BlockSize)
				ecbRange(s, buf[start:end], encrypt)
			}
		}()
	}

	for j := 0; j < jobs; j++ {
		jobChan <- j
	}
	close(jobChan)

	wg.Wait()
	close(errChan)

	select {
	case err := <-errChan:
		return err
	default:
		return nil
	}
}

func ecbRange(s *feistel.Schedule, buf []byte, encrypt bool) {
	for off := 0; off+BlockSize <= len(buf); off += BlockSize {
		feistel.ECB(s, buf[off:off+BlockSize], encrypt)
	}
}
