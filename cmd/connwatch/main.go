package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"connwatch/internal/cache"
	"connwatch/internal/config"
	"connwatch/internal/domain"
	"connwatch/internal/geo"
	"connwatch/internal/monitor"
	"connwatch/internal/output"
	"connwatch/internal/probe"
)

func main() {
	configPath := flag.String("config", "", "config file path (default: search standard locations)")
	interval := flag.Duration("interval", 0, "refresh interval (overrides config)")
	once := flag.Bool("once", false, "run a single pass and exit")
	listening := flag.Bool("listening", false, "include LISTEN-state sockets")
	export := flag.String("export", "", "export results to a JSON file")
	home := flag.String("home", "", "operator country override (skips detection)")
	cityDB := flag.String("city-db", "", "MaxMind City database path")
	asnDB := flag.String("asn-db", "", "MaxMind ASN database path")
	cachePath := flag.String("cache", "", "geo cache path (default: canonical user data location)")
	noOnline := flag.Bool("no-online", false, "disable online lookup services")
	watch := flag.Bool("watch", false, "with a replay file: re-parse whenever it changes")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		With().Timestamp().Logger()
	if !*debug {
		logger = logger.Level(zerolog.InfoLevel)
	}

	cfg, cfgPath, err := loadConfig(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load config")
	}
	if cfgPath != "" {
		logger.Debug().Str("path", cfgPath).Msg("Loaded config")
	}
	applyFlagOverrides(cfg, *interval, *listening, *home, *cityDB, *asnDB, *cachePath, *noOnline)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := cache.Open(cfg.Cache.Path, cfg.Cache.TTL.Value(), logger)
	defer store.Close()

	// Cache utility subcommands operate on the store and exit.
	if args := flag.Args(); len(args) > 0 && args[0] == "cache" {
		if err := runCacheCommand(store, args[1:]); err != nil {
			logger.Fatal().Err(err).Msg("Cache command failed")
		}
		return
	}

	engine, localDB := buildEngine(logger, cfg, store)
	if localDB != nil {
		defer localDB.Close()
	}

	operatorCountry := resolveOperatorCountry(ctx, logger, cfg)
	logger.Info().Str("country", operatorCountry).Msg("Operator location")

	parser := probe.NewParser(logger, cfg.ShowListening)
	mon := monitor.New(logger, probe.NewReader(logger), parser, engine, store,
		operatorCountry, cfg.Geo.MaxConcurrentLookups, cfg.Cache.FlushInterval.Value())

	sink := func(conns []domain.EnrichedConnection) {
		if err := output.WriteTable(os.Stdout, conns); err != nil {
			logger.Err(err).Msg("Failed to render table")
		}
		if *export != "" {
			if err := output.ExportJSON(*export, conns); err != nil {
				logger.Err(err).Msg("Export failed")
			}
		}
	}

	switch {
	case len(flag.Args()) > 0:
		runReplay(ctx, logger, mon, flag.Args()[0], *watch, sink)

	case *once:
		conns, err := mon.RunOnce(ctx)
		if err != nil {
			fatalIfNoInput(logger, err)
		}
		sink(conns)

	default:
		err := mon.Run(ctx, cfg.RefreshInterval.Value(), sink)
		if err != nil && !errors.Is(err, context.Canceled) {
			fatalIfNoInput(logger, err)
		}
	}
}

func loadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

func applyFlagOverrides(cfg *config.Config, interval time.Duration, listening bool,
	home, cityDB, asnDB, cachePath string, noOnline bool) {
	if interval > 0 {
		cfg.RefreshInterval = config.Duration(interval)
	}
	if listening {
		cfg.ShowListening = true
	}
	if home != "" {
		cfg.HomeCountry = home
	}
	if cityDB != "" {
		cfg.Geo.CityDBPath = cityDB
	}
	if asnDB != "" {
		cfg.Geo.ASNDBPath = asnDB
	}
	if cachePath != "" {
		cfg.Cache.Path = cachePath
	}
	if noOnline {
		disabled := false
		cfg.Geo.OnlineEnabled = &disabled
	}
}

// buildEngine assembles the resolution chain in order: local database,
// builtin ranges, online services, private-range heuristic. Absent local
// databases and disabled online lookups simply leave their stage out.
func buildEngine(logger zerolog.Logger, cfg *config.Config, store *cache.Store) (*geo.Engine, *geo.LocalDB) {
	var chain []geo.Resolver

	localDB := geo.OpenLocalDB(logger, cfg.Geo.CityDBPath, cfg.Geo.ASNDBPath)
	if localDB != nil {
		chain = append(chain, localDB)
	}

	chain = append(chain, geo.NewBuiltinDB())

	if cfg.OnlineEnabled() {
		limiter := geo.NewRateLimiter(cfg.Geo.RateLimit, cfg.Geo.RateWindow.Value())
		chain = append(chain, geo.NewOnlineResolver(logger, cfg.Geo.OnlineTimeout.Value(), limiter))
	}

	chain = append(chain, geo.HeuristicResolver{})
	return geo.NewEngine(logger, store, chain...), localDB
}

// resolveOperatorCountry applies the override if present, otherwise detects
// the country once for the session. Detection failure degrades to Unknown,
// which classifies everything domestic.
func resolveOperatorCountry(ctx context.Context, logger zerolog.Logger, cfg *config.Config) string {
	if cfg.HomeCountry != "" {
		return cfg.HomeCountry
	}
	if !cfg.OnlineEnabled() {
		logger.Warn().Msg("Online lookups disabled and no home country configured; classification degrades to domestic")
		return domain.UnknownCountry
	}

	country, err := geo.DetectCountry(ctx, cfg.Geo.OnlineTimeout.Value())
	if err != nil {
		logger.Warn().Err(err).Msg("Operator location detection failed; classification degrades to domestic")
		return domain.UnknownCountry
	}
	return country
}

func runReplay(ctx context.Context, logger zerolog.Logger, mon *monitor.Monitor,
	path string, watch bool, sink func([]domain.EnrichedConnection)) {
	if watch {
		err := mon.WatchReplay(ctx, path, sink)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Fatal().Err(err).Str("path", path).Msg("Replay watch failed")
		}
		return
	}

	conns, err := mon.ReplayFile(ctx, path)
	if err != nil {
		logger.Fatal().Err(err).Str("path", path).Msg("Replay failed")
	}
	sink(conns)
}

func runCacheCommand(store *cache.Store, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: connwatch cache stats|purge|clear")
	}

	switch args[0] {
	case "stats":
		return output.WriteStats(os.Stdout, store.Stats())
	case "purge":
		removed := store.PurgeExpired()
		if err := store.Flush(); err != nil {
			return err
		}
		fmt.Printf("Removed %d expired entries\n", removed)
		return nil
	case "clear":
		if err := store.Clear(); err != nil {
			return err
		}
		fmt.Println("Cache cleared")
		return nil
	default:
		return fmt.Errorf("unknown cache command %q", args[0])
	}
}

// fatalIfNoInput reports total tool unavailability with an operator-facing
// message; this is the only fatal condition in a live session.
func fatalIfNoInput(logger zerolog.Logger, err error) {
	if errors.Is(err, probe.ErrToolUnavailable) {
		logger.Fatal().Msg("No diagnostic tool (ss/netstat) available on this system and no replay file given; nothing to monitor")
	}
	logger.Fatal().Err(err).Msg("Monitoring session failed")
}
