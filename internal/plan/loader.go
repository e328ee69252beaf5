package plan

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

//go:embed plans.default.yml
var defaultPlans []byte

type planFile struct {
	Version string      `mapstructure:"version" validate:"required"`
	Plans   []planEntry `mapstructure:"plans" validate:"required,min=1,dive"`
}

type planEntry struct {
	ID           string             `mapstructure:"id" validate:"required,lowercase"`
	Name         string             `mapstructure:"name" validate:"required"`
	PriceMonthly float64            `mapstructure:"price_monthly" validate:"gte=0"`
	PriceAnnual  float64            `mapstructure:"price_annual" validate:"gte=0"`
	Quotas       map[string]int64   `mapstructure:"quotas" validate:"dive,ne=0,gte=-1"`
	Overage      map[string]float64 `mapstructure:"overage" validate:"dive,gte=0"`
	Features     []string           `mapstructure:"features"`
}

var validate = validator.New()

// LoadPlans reads a plan catalog from path. An empty path loads the built-in catalog.
func LoadPlans(path string) (Catalog, error) {
	v, err := newViper(path)
	if err != nil {
		return Catalog{}, err
	}
	return decodeCatalog(v)
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	path = strings.TrimSpace(path)
	if path == "" {
		v.SetConfigType("yaml")
		if err := v.ReadConfig(bytes.NewReader(defaultPlans)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
		}
		return v, nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	return v, nil
}

func decodeCatalog(v *viper.Viper) (Catalog, error) {
	var file planFile
	if err := v.Unmarshal(&file); err != nil {
		return Catalog{}, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if err := validate.Struct(file); err != nil {
		return Catalog{}, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}

	plans := make(map[string]Plan, len(file.Plans))
	for _, entry := range file.Plans {
		if _, dup := plans[entry.ID]; dup {
			return Catalog{}, fmt.Errorf("%w: duplicate plan id %q", ErrInvalidCatalog, entry.ID)
		}
		p := Plan{
			ID:            entry.ID,
			Name:          entry.Name,
			PriceMonthly:  decimal.NewFromFloat(entry.PriceMonthly),
			PriceAnnual:   decimal.NewFromFloat(entry.PriceAnnual),
			Quotas:        make(map[string]int64, len(entry.Quotas)),
			OveragePrices: make(map[string]decimal.Decimal, len(entry.Overage)),
			Features:      append([]string(nil), entry.Features...),
		}
		for key, limit := range entry.Quotas {
			if !isQuotaKey(key) {
				return Catalog{}, fmt.Errorf("%w: plan %q has unknown quota %q", ErrInvalidCatalog, entry.ID, key)
			}
			p.Quotas[key] = limit
		}
		for _, m := range Metrics() {
			if _, ok := p.Quotas[m.QuotaKey]; !ok {
				return Catalog{}, fmt.Errorf("%w: plan %q is missing quota %q", ErrInvalidCatalog, entry.ID, m.QuotaKey)
			}
		}
		for metricType, price := range entry.Overage {
			if _, err := LookupMetric(metricType); err != nil {
				return Catalog{}, fmt.Errorf("%w: plan %q prices unknown metric %q", ErrInvalidCatalog, entry.ID, metricType)
			}
			p.OveragePrices[metricType] = decimal.NewFromFloat(price)
		}
		plans[p.ID] = p
	}

	return Catalog{
		Version: file.Version,
		Source:  v.ConfigFileUsed(),
		Plans:   plans,
	}, nil
}
