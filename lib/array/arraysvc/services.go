// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package arraysvc is the partition-service registry: the directory
// in which partitions publish themselves as translators, rebuild
// targets, and recovery providers.
package arraysvc

import (
	"fmt"
	"sync"

	"git.lukeshu.com/go/typedsync"

	"git.lukeshu.com/ssdarray-ng/lib/array/arraydev"
	"git.lukeshu.com/ssdarray-ng/lib/array/arraymethod"
	"git.lukeshu.com/ssdarray-ng/lib/array/arraypart"
	"git.lukeshu.com/ssdarray-ng/lib/array/arrayprim"
	"git.lukeshu.com/ssdarray-ng/lib/array/arrayrebuild"
)

type Translator interface {
	Type() arrayprim.PartitionType
	LogicalGeometry() arrayprim.Geometry
	Translate(arrayprim.LogicalAddr) (arraypart.PhysicalAddr, error)
	TranslateEntry(arrayprim.LogicalEntry) ([]arraypart.PhysicalEntry, error)
	Convert(arraymethod.LogicalWriteEntry) ([]arraypart.PhysicalWriteEntry, error)
}

var (
	_ Translator = (*arraypart.Partition)(nil)
	_ Translator = (*arraypart.NvmPartition)(nil)
)

type RebuildTarget interface {
	GetRebuildContext(*arraydev.Device) (*arrayrebuild.RebuildContext, bool)
}

type RecoveryProvider interface {
	GetRecoverMethod(arrayrebuild.FaultedIO) (*arrayrebuild.RecoverMethod, error)
}

// Registry is what a partition registers itself with.
type Registry interface {
	RegisterTranslator(arrayprim.PartitionType, Translator)
	RegisterRebuildTarget(RebuildTarget)
	RegisterRecoveryProvider(arrayprim.PartitionType, RecoveryProvider)
}

// Register publishes a partition.  Only partitions whose Method can
// recover a lost column become rebuild targets and recovery
// providers.
func Register(reg Registry, tr Translator) {
	reg.RegisterTranslator(tr.Type(), tr)
	var part *arraypart.Partition
	switch tr := tr.(type) {
	case *arraypart.Partition:
		part = tr
	case *arraypart.NvmPartition:
		part = tr.Partition
	}
	if part == nil || !part.IsRecoverable() {
		return
	}
	planner := arrayrebuild.NewPlanner(part)
	reg.RegisterRebuildTarget(planner)
	reg.RegisterRecoveryProvider(part.Type(), planner)
}

// Services is the Registry of one array.
type Services struct {
	translators typedsync.Map[arrayprim.PartitionType, Translator]
	recovery    typedsync.Map[arrayprim.PartitionType, RecoveryProvider]

	mu             sync.Mutex
	rebuildTargets []RebuildTarget
}

var _ Registry = (*Services)(nil)

func (s *Services) RegisterTranslator(typ arrayprim.PartitionType, tr Translator) {
	s.translators.Store(typ, tr)
}

func (s *Services) RegisterRebuildTarget(target RebuildTarget) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rebuildTargets = append(s.rebuildTargets, target)
}

func (s *Services) RegisterRecoveryProvider(typ arrayprim.PartitionType, provider RecoveryProvider) {
	s.recovery.Store(typ, provider)
}

func (s *Services) Translator(typ arrayprim.PartitionType) (Translator, bool) {
	return s.translators.Load(typ)
}

func (s *Services) RecoveryProvider(typ arrayprim.PartitionType) (RecoveryProvider, bool) {
	return s.recovery.Load(typ)
}

func (s *Services) RebuildTargets() []RebuildTarget {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([]RebuildTarget, len(s.rebuildTargets))
	copy(ret, s.rebuildTargets)
	return ret
}

// GetRebuildContexts asks every rebuild target for its share of
// rebuilding dev.
func (s *Services) GetRebuildContexts(dev *arraydev.Device) []*arrayrebuild.RebuildContext {
	var ret []*arrayrebuild.RebuildContext
	for _, target := range s.RebuildTargets() {
		if rc, ok := target.GetRebuildContext(dev); ok {
			ret = append(ret, rc)
		}
	}
	return ret
}

// GetRecoverMethod plans the reconstruction of an I/O that failed
// against the given partition.
func (s *Services) GetRecoverMethod(typ arrayprim.PartitionType, fio arrayrebuild.FaultedIO) (*arrayrebuild.RecoverMethod, error) {
	provider, ok := s.recovery.Load(typ)
	if !ok {
		return nil, fmt.Errorf("partition %v: %w", typ, arrayprim.ErrNotRecoverable)
	}
	return provider.GetRecoverMethod(fio)
}

// Clear unregisters everything.
func (s *Services) Clear() {
	s.translators.Range(func(typ arrayprim.PartitionType, _ Translator) bool {
		s.translators.Delete(typ)
		return true
	})
	s.recovery.Range(func(typ arrayprim.PartitionType, _ RecoveryProvider) bool {
		s.recovery.Delete(typ)
		return true
	})
	s.mu.Lock()
	s.rebuildTargets = nil
	s.mu.Unlock()
}
