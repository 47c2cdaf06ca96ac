package config

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/project-tktt/house-tracker/internal/domain"
	"github.com/project-tktt/house-tracker/internal/store"
)

// Sources is the content of the sources file:
//
//	districts:
//	  - {source: fangdi, outer_id: "7", name: 杨浦区}
//	communities:
//	  - {source: lianjia, outer_id: "5011000012345", name: 鹏欣一品}
//	options:
//	  lianjia: {per_page: 30, load_detail: true}
type Sources struct {
	Districts   []DistrictSeed            `yaml:"districts"`
	Communities []CommunitySeed           `yaml:"communities"`
	Options     map[string]map[string]any `yaml:"options"`
}

// DistrictSeed declares a district to paginate
type DistrictSeed struct {
	Source  string `yaml:"source"`
	OuterID string `yaml:"outer_id"`
	Name    string `yaml:"name"`
}

// CommunitySeed declares a community to track
type CommunitySeed struct {
	Source  string `yaml:"source"`
	OuterID string `yaml:"outer_id"`
	Name    string `yaml:"name"`
	// District is the outer id of a seeded district of the same source
	District     string `yaml:"district"`
	TrackPresale bool   `yaml:"track_presale"`
}

// LoadSources reads the sources file at path. A missing file yields no seeds.
func LoadSources(path string) (*Sources, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Printf("[Config] No sources file at %s", path)
		return &Sources{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}

	var s Sources
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse sources file %s: %w", path, err)
	}
	for i, d := range s.Districts {
		if d.Source == "" || d.OuterID == "" {
			return nil, fmt.Errorf("sources file %s: district %d needs a source and an outer_id", path, i)
		}
	}
	for i, c := range s.Communities {
		if c.Source == "" || c.OuterID == "" {
			return nil, fmt.Errorf("sources file %s: community %d needs a source and an outer_id", path, i)
		}
	}
	return &s, nil
}

// DecodeOptions decodes the options of source into out, a pointer to the
// source config holding its defaults. Unknown keys are rejected.
func (s *Sources) DecodeOptions(source domain.BatchType, out any) error {
	opts, ok := s.Options[string(source)]
	if !ok {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return fmt.Errorf("create options decoder: %w", err)
	}
	if err := dec.Decode(opts); err != nil {
		return fmt.Errorf("decode %s options: %w", source, err)
	}
	return nil
}

// Seed upserts the declared districts and inserts the declared communities
// that are not known yet in one transaction.
func (s *Sources) Seed(ctx context.Context, st *store.Store) error {
	sess := st.NewSession()
	defer sess.Close()

	districts := make(map[string]int64, len(s.Districts))
	for _, seed := range s.Districts {
		d := &domain.District{Source: domain.BatchType(seed.Source), OuterID: seed.OuterID, Name: seed.Name}
		if err := sess.UpsertDistrict(ctx, d); err != nil {
			return err
		}
		districts[seed.Source+"/"+seed.OuterID] = d.ID
	}

	added := 0
	for _, seed := range s.Communities {
		source := domain.BatchType(seed.Source)
		c, err := sess.FindCommunity(ctx, source, seed.OuterID)
		if err != nil {
			return err
		}
		if c != nil {
			continue
		}
		c = &domain.Community{Source: source, OuterID: seed.OuterID, Name: seed.Name, TrackPresale: seed.TrackPresale}
		if seed.District != "" {
			id, ok := districts[seed.Source+"/"+seed.District]
			if !ok {
				return fmt.Errorf("community %s: unknown %s district %s", seed.OuterID, seed.Source, seed.District)
			}
			c.DistrictID = id
		}
		if err := sess.InsertCommunity(ctx, c); err != nil {
			return err
		}
		added++
	}

	if err := sess.Commit(); err != nil {
		return err
	}
	log.Printf("[Config] Seeded %d districts, %d new communities", len(s.Districts), added)
	return nil
}
