// Command seeder loads settings, products, codes, membership plans and coin
// grants from a YAML file. Every write is idempotent so the seed can be re-run.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/noah-isme/checkout-settlement/internal/app"
	"github.com/noah-isme/checkout-settlement/internal/coins"
	"github.com/noah-isme/checkout-settlement/internal/db"
	"github.com/noah-isme/checkout-settlement/internal/obs"
	"github.com/noah-isme/checkout-settlement/internal/settings"
)

type seedFile struct {
	Settings    map[string]any `yaml:"settings"`
	Products    []seedProduct  `yaml:"products"`
	Codes       []seedCode     `yaml:"codes"`
	Plans       []seedPlan     `yaml:"membershipPlans"`
	Memberships []seedMember   `yaml:"memberships"`
	Grants      []seedGrant    `yaml:"coinGrants"`
}

type seedProduct struct {
	SKU         string `yaml:"sku"`
	Name        string `yaml:"name"`
	Price       string `yaml:"price"`
	WeightGrams int    `yaml:"weightGrams"`
}

type seedCode struct {
	Source       string `yaml:"source"`
	Code         string `yaml:"code"`
	Description  string `yaml:"description"`
	Kind         string `yaml:"kind"`
	Value        string `yaml:"value"`
	MaxDiscount  string `yaml:"maxDiscount"`
	MinOrder     string `yaml:"minOrder"`
	ValidTo      string `yaml:"validTo"`
	UsageLimit   *int   `yaml:"usageLimit"`
	PerUserLimit int    `yaml:"perUserLimit"`
	OwnerID      string `yaml:"ownerId"`
}

type seedPlan struct {
	Name            string `yaml:"name"`
	DiscountPercent string `yaml:"discountPercent"`
	FreeShipping    bool   `yaml:"freeShipping"`
}

type seedMember struct {
	UserID string `yaml:"userId"`
	Plan   string `yaml:"plan"`
}

type seedGrant struct {
	UserID     string `yaml:"userId"`
	Coins      int64  `yaml:"coins"`
	ExpiryDays int    `yaml:"expiryDays"`
	Reference  string `yaml:"reference"`
}

func main() {
	_ = godotenv.Load()
	path := flag.String("file", os.Getenv("SETTINGS_SEED_FILE"), "seed YAML file")
	migrateFirst := flag.Bool("migrate", true, "apply migrations before seeding")
	flag.Parse()

	logger := obs.NewLogger("console", "info", obs.LogFile{}).With().Str("component", "seeder").Logger()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Fatal().Msg("DATABASE_URL is not set")
	}
	if *path == "" {
		logger.Fatal().Msg("seed file required: -file or SETTINGS_SEED_FILE")
	}
	f, err := os.Open(*path)
	if err != nil {
		logger.Fatal().Err(err).Msg("open seed file")
	}
	seed, err := loadSeed(f)
	_ = f.Close()
	if err != nil {
		logger.Fatal().Err(err).Str("file", *path).Msg("parse seed file")
	}

	if *migrateFirst {
		if err := db.Migrate(dbURL); err != nil {
			logger.Fatal().Err(err).Msg("run migrations")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	pool, err := app.NewPool(ctx, dbURL, "checkout-seeder", logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()

	if err := apply(ctx, pool, seed, logger); err != nil {
		logger.Fatal().Err(err).Msg("seed failed")
	}
	logger.Info().Msg("seed complete")
}

// loadSeed decodes and checks a seed document.
func loadSeed(r io.Reader) (seedFile, error) {
	var seed seedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil && !errors.Is(err, io.EOF) {
		return seedFile{}, err
	}
	for key := range seed.Settings {
		if !knownSettingsKey(key) {
			return seedFile{}, fmt.Errorf("settings: unknown key %q", key)
		}
	}
	for i, p := range seed.Products {
		if strings.TrimSpace(p.SKU) == "" || strings.TrimSpace(p.Name) == "" {
			return seedFile{}, fmt.Errorf("products[%d]: sku and name are required", i)
		}
		if _, err := nonNegative(p.Price); err != nil {
			return seedFile{}, fmt.Errorf("products[%d].price: %w", i, err)
		}
	}
	for i, c := range seed.Codes {
		if c.Source != "coupon" && c.Source != "referral" {
			return seedFile{}, fmt.Errorf("codes[%d].source must be coupon or referral", i)
		}
		if k := strings.ToUpper(c.Kind); k != "PERCENT" && k != "FLAT" {
			return seedFile{}, fmt.Errorf("codes[%d].kind must be PERCENT or FLAT", i)
		}
		if _, err := nonNegative(c.Value); err != nil {
			return seedFile{}, fmt.Errorf("codes[%d].value: %w", i, err)
		}
		if c.ValidTo != "" {
			if _, err := time.Parse("2006-01-02", c.ValidTo); err != nil {
				return seedFile{}, fmt.Errorf("codes[%d].validTo: want YYYY-MM-DD", i)
			}
		}
	}
	for i, g := range seed.Grants {
		if g.UserID == "" || g.Coins <= 0 || g.Reference == "" {
			return seedFile{}, fmt.Errorf("coinGrants[%d]: userId, positive coins and reference are required", i)
		}
	}
	return seed, nil
}

func knownSettingsKey(key string) bool {
	for _, k := range settings.Keys {
		if k == key {
			return true
		}
	}
	return false
}

func nonNegative(v string) (decimal.Decimal, error) {
	if strings.TrimSpace(v) == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(v))
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, errors.New("must not be negative")
	}
	return d, nil
}

func apply(ctx context.Context, pool *pgxpool.Pool, seed seedFile, logger zerolog.Logger) error {
	store := settings.PGStore{Pool: pool}
	for key, value := range seed.Settings {
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode settings %s: %w", key, err)
		}
		if err := store.Upsert(ctx, key, raw, "seeder"); err != nil {
			return fmt.Errorf("upsert settings %s: %w", key, err)
		}
	}
	logger.Info().Int("count", len(seed.Settings)).Msg("settings seeded")

	err := db.WithTx(ctx, pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for _, p := range seed.Products {
			price, _ := nonNegative(p.Price)
			if _, err := tx.Exec(ctx, `
				INSERT INTO products (sku, name, price, weight_grams)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (sku) DO UPDATE SET name = EXCLUDED.name, price = EXCLUDED.price, weight_grams = EXCLUDED.weight_grams`,
				p.SKU, p.Name, price, p.WeightGrams); err != nil {
				return fmt.Errorf("product %s: %w", p.SKU, err)
			}
		}
		for _, c := range seed.Codes {
			value, _ := nonNegative(c.Value)
			minOrder, _ := nonNegative(c.MinOrder)
			var maxDiscount *decimal.Decimal
			if c.MaxDiscount != "" {
				d, _ := nonNegative(c.MaxDiscount)
				maxDiscount = &d
			}
			var validTo *time.Time
			if c.ValidTo != "" {
				t, _ := time.Parse("2006-01-02", c.ValidTo)
				validTo = &t
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO discount_codes (source, code, description, benefit_kind, discount_value, max_discount_amount,
					min_order_amount, valid_to, usage_limit, per_user_limit, owner_id)
				VALUES ($1, upper($2), $3, upper($4), $5, $6, $7, $8, $9, $10, NULLIF($11, ''))
				ON CONFLICT (source, upper(code)) DO NOTHING`,
				c.Source, c.Code, c.Description, c.Kind, value, maxDiscount, minOrder, validTo,
				c.UsageLimit, c.PerUserLimit, c.OwnerID); err != nil {
				return fmt.Errorf("code %s: %w", c.Code, err)
			}
		}
		for _, p := range seed.Plans {
			pct, _ := nonNegative(p.DiscountPercent)
			if _, err := tx.Exec(ctx, `
				INSERT INTO membership_plans (name, discount_percent, free_shipping)
				VALUES ($1, $2, $3)
				ON CONFLICT (name) DO UPDATE SET discount_percent = EXCLUDED.discount_percent, free_shipping = EXCLUDED.free_shipping`,
				p.Name, pct, p.FreeShipping); err != nil {
				return fmt.Errorf("plan %s: %w", p.Name, err)
			}
		}
		for _, m := range seed.Memberships {
			if _, err := tx.Exec(ctx, `
				INSERT INTO user_memberships (user_id, plan_id, status)
				SELECT $1, id, 'active' FROM membership_plans WHERE name = $2
				ON CONFLICT (user_id) DO UPDATE SET plan_id = EXCLUDED.plan_id, status = 'active'`,
				m.UserID, m.Plan); err != nil {
				return fmt.Errorf("membership %s: %w", m.UserID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	logger.Info().
		Int("products", len(seed.Products)).
		Int("codes", len(seed.Codes)).
		Int("plans", len(seed.Plans)).
		Int("memberships", len(seed.Memberships)).
		Msg("catalog and codes seeded")

	svc := &coins.Service{}
	grants := coins.PGGrantTx(pool)
	for _, g := range seed.Grants {
		err := grants(ctx, func(store coins.GrantStore) error {
			_, _, err := svc.Grant(ctx, store, g.UserID, g.Coins, g.ExpiryDays, coins.SourceSystem, g.Reference)
			return err
		})
		if err != nil {
			return fmt.Errorf("coin grant %s: %w", g.Reference, err)
		}
	}
	logger.Info().Int("count", len(seed.Grants)).Msg("coin grants seeded")
	return nil
}
