package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/heatpilot/heatpilot/internal/types"
)

// EntityRef identifies one entity record on disk.
type EntityRef struct {
	EntityID string
	Kind     types.EntityKind
	Path     string
	ModTime  time.Time
}

// Provider reads entity records from the profiles/ and buildings/
// directories and persists field-level write-backs atomically.
//
// Loads are cached per file mod-time so workers can re-read their record
// every iteration without hammering the filesystem.
type Provider struct {
	profilesDir  string
	buildingsDir string

	mu    sync.Mutex
	cache map[string]cachedEntity
}

type cachedEntity struct {
	modTime time.Time
	entity  *Entity
}

// NewProvider creates a provider over the two config directories. Either
// directory may be empty or missing; the scan just skips it.
func NewProvider(profilesDir, buildingsDir string) *Provider {
	return &Provider{
		profilesDir:  profilesDir,
		buildingsDir: buildingsDir,
		cache:        make(map[string]cachedEntity),
	}
}

// List scans both directories and returns one ref per entity file, sorted
// by entity ID.
func (p *Provider) List() ([]EntityRef, error) {
	var refs []EntityRef
	for _, dir := range []struct {
		path string
		kind types.EntityKind
	}{
		{p.profilesDir, types.KindHouse},
		{p.buildingsDir, types.KindBuilding},
	} {
		if dir.path == "" {
			continue
		}
		entries, err := os.ReadDir(dir.path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", dir.path, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			refs = append(refs, EntityRef{
				EntityID: strings.TrimSuffix(entry.Name(), ".json"),
				Kind:     dir.kind,
				Path:     filepath.Join(dir.path, entry.Name()),
				ModTime:  info.ModTime(),
			})
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].EntityID < refs[j].EntityID })
	return refs, nil
}

// Load reads one entity record, serving from cache when the file has not
// changed since the last read.
func (p *Provider) Load(ref EntityRef) (*Entity, error) {
	info, err := os.Stat(ref.Path)
	if err != nil {
		return nil, fmt.Errorf("stat entity record %s: %w", ref.Path, err)
	}

	p.mu.Lock()
	if cached, ok := p.cache[ref.Path]; ok && cached.modTime.Equal(info.ModTime()) {
		p.mu.Unlock()
		return cached.entity, nil
	}
	p.mu.Unlock()

	data, err := os.ReadFile(ref.Path)
	if err != nil {
		return nil, fmt.Errorf("reading entity record %s: %w", ref.Path, err)
	}

	var entity Entity
	if err := json.Unmarshal(data, &entity); err != nil {
		return nil, fmt.Errorf("parsing entity record %s: %w", ref.Path, err)
	}
	entity.Kind = ref.Kind
	if entity.EntityID == "" && entity.BuildingID == "" {
		entity.EntityID = ref.EntityID
	}
	if err := entity.Validate(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.cache[ref.Path] = cachedEntity{modTime: info.ModTime(), entity: &entity}
	p.mu.Unlock()

	return &entity, nil
}

// LoadByID resolves an entity ID to its record by scanning both directories.
func (p *Provider) LoadByID(entityID string) (*Entity, EntityRef, error) {
	refs, err := p.List()
	if err != nil {
		return nil, EntityRef{}, err
	}
	for _, ref := range refs {
		if ref.EntityID == entityID {
			entity, err := p.Load(ref)
			return entity, ref, err
		}
	}
	return nil, EntityRef{}, fmt.Errorf("entity [%s] not found", entityID)
}

// SaveHeatLossK rewrites the record with a new calibrated k-value. The
// rewrite is read-modify-write over the current file contents; last
// writer wins.
func (p *Provider) SaveHeatLossK(ref EntityRef, k float64, calibratedAt time.Time) error {
	return p.update(ref, func(entity *Entity) {
		entity.EnergySeparation.HeatLossK = k
		entity.EnergySeparation.CalibrationDate = calibratedAt.Format("2006-01-02")
	})
}

// SaveWeatherCoefficients persists ML2-learned coefficients.
func (p *Provider) SaveWeatherCoefficients(ref EntityRef, coeffs WeatherCoefficients) error {
	return p.update(ref, func(entity *Entity) {
		entity.Learned.WeatherCoefficients = coeffs
	})
}

// SaveThermalTiming persists learned thermal response lags.
func (p *Provider) SaveThermalTiming(ref EntityRef, timing ThermalTiming) error {
	return p.update(ref, func(entity *Entity) {
		entity.Learned.ThermalTiming = timing
	})
}

func (p *Provider) update(ref EntityRef, mutate func(*Entity)) error {
	data, err := os.ReadFile(ref.Path)
	if err != nil {
		return fmt.Errorf("reading entity record %s: %w", ref.Path, err)
	}
	var entity Entity
	if err := json.Unmarshal(data, &entity); err != nil {
		return fmt.Errorf("parsing entity record %s: %w", ref.Path, err)
	}
	entity.Kind = ref.Kind

	mutate(&entity)

	out, err := json.MarshalIndent(&entity, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding entity record: %w", err)
	}
	out = append(out, '\n')

	// Atomic rewrite: a killed process never leaves a torn record.
	tmp := ref.Path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return fmt.Errorf("writing entity record: %w", err)
	}
	if err := os.Rename(tmp, ref.Path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing entity record: %w", err)
	}

	p.mu.Lock()
	delete(p.cache, ref.Path)
	p.mu.Unlock()
	return nil
}

// MeterMapping builds meter_id → entity_id from every record in both
// directories, used by the energy importer.
func (p *Provider) MeterMapping() (map[string]string, error) {
	refs, err := p.List()
	if err != nil {
		return nil, err
	}
	mapping := make(map[string]string)
	for _, ref := range refs {
		entity, err := p.Load(ref)
		if err != nil {
			continue
		}
		for _, meterID := range entity.MeterIDs {
			mapping[meterID] = entity.ID()
		}
	}
	return mapping, nil
}
