// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package gopsutil reports host and process memory for the eviction manager.
package gopsutil

import (
	"os"
	"sync"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemInfo collects information about the host and the running process
// using gopsutil.
type SystemInfo struct {
	mu       sync.Mutex
	hostInfo *host.InfoStat
	proc     *process.Process
}

// NewSystemInfo is a constructor for SystemInfo.
func NewSystemInfo() *SystemInfo {
	return &SystemInfo{}
}

// Uptime returns the system uptime in seconds
func (s *SystemInfo) Uptime() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hostInfo == nil {
		info, err := host.Info()
		if err != nil {
			return 0, err
		}
		s.hostInfo = info
	}
	return s.hostInfo.Uptime, nil
}

// MemTotal returns the amount of total memory in bytes.
func (s *SystemInfo) MemTotal() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Total, nil
}

// MemUsed returns the amount of used memory on the host in bytes.
func (s *SystemInfo) MemUsed() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Used, nil
}

// MemoryUsed returns the resident set size of this process. Unlike the host
// figures it is not cached, since it is polled to decide on eviction.
func (s *SystemInfo) MemoryUsed() (uint64, error) {
	s.mu.Lock()
	if s.proc == nil {
		p, err := process.NewProcess(int32(os.Getpid()))
		if err != nil {
			s.mu.Unlock()
			return 0, err
		}
		s.proc = p
	}
	p := s.proc
	s.mu.Unlock()
	info, err := p.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return info.RSS, nil
}
