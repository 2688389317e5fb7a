// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Hearthd Contributors

//go:build integration

package store_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/hearthd/hearthd/internal/store"
)

// setupPostgresContainer starts a PostgreSQL container and migrates it.
func setupPostgresContainer() (*store.Store, func(), error) {
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("hearthd_test"),
		postgres.WithUsername("hearthd"),
		postgres.WithPassword("hearthd"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, nil, err
	}

	migrator, err := store.NewMigrator(connStr)
	if err != nil {
		return nil, nil, err
	}
	if err := migrator.Up(); err != nil {
		return nil, nil, err
	}
	if err := migrator.Close(); err != nil {
		return nil, nil, err
	}

	s, err := store.New(ctx, connStr)
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {
		s.Close()
		_ = container.Terminate(ctx)
	}
	return s, cleanup, nil
}

var _ = Describe("Store", Ordered, func() {
	var (
		s       *store.Store
		cleanup func()
	)

	BeforeAll(func() {
		var err error
		s, cleanup, err = setupPostgresContainer()
		Expect(err).NotTo(HaveOccurred())
	})

	AfterAll(func() {
		if cleanup != nil {
			cleanup()
		}
	})

	Describe("mode records", func() {
		It("round-trips a record", func() {
			rec := store.ModeRecord{
				PluginID:          "echo",
				CurrentMode:       "external",
				TargetBaseURL:     "http://127.0.0.1:9300",
				ManagedSubprocess: true,
			}
			Expect(s.UpsertMode(context.Background(), rec)).To(Succeed())

			got, err := s.GetMode(context.Background(), "echo")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.CurrentMode).To(Equal("external"))
			Expect(got.TargetBaseURL).To(Equal("http://127.0.0.1:9300"))
			Expect(got.ManagedSubprocess).To(BeTrue())
			Expect(got.UpdatedAt).NotTo(BeZero())
		})

		It("replaces on upsert", func() {
			rec := store.ModeRecord{PluginID: "echo", CurrentMode: "in_process"}
			Expect(s.UpsertMode(context.Background(), rec)).To(Succeed())

			got, err := s.GetMode(context.Background(), "echo")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.CurrentMode).To(Equal("in_process"))
			Expect(got.TargetBaseURL).To(BeEmpty())
		})

		It("rejects invalid modes via the check constraint", func() {
			err := s.UpsertMode(context.Background(), store.ModeRecord{
				PluginID:    "bad",
				CurrentMode: "sideways",
			})
			Expect(err).To(HaveOccurred())
		})

		It("returns ErrNotFound for unknown plugins", func() {
			_, err := s.GetMode(context.Background(), "ghost")
			Expect(err).To(MatchError(store.ErrNotFound))
		})

		It("lists records ordered by id", func() {
			Expect(s.UpsertMode(context.Background(), store.ModeRecord{
				PluginID: "aardvark", CurrentMode: "in_process",
			})).To(Succeed())

			recs, err := s.ListModes(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(len(recs)).To(BeNumerically(">=", 2))
			Expect(recs[0].PluginID).To(Equal("aardvark"))
		})
	})

	Describe("plugin configs", func() {
		It("round-trips the explicit tier", func() {
			cfg := map[string]any{"poll_interval": float64(120), "verbose": true}
			Expect(s.SetPluginConfig(context.Background(), "sysmon", cfg)).To(Succeed())

			got, err := s.GetPluginConfig(context.Background(), "sysmon")
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(cfg))
		})

		It("seeds the resolver from all rows", func() {
			all, err := s.ListPluginConfigs(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(all).To(HaveKey("sysmon"))
		})
	})
})
