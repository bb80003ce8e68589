package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"

	"github.com/Lekssays/flpoison/committee"
	"github.com/Lekssays/flpoison/config"
	"github.com/Lekssays/flpoison/feed"
	"github.com/Lekssays/flpoison/model"
	"github.com/Lekssays/flpoison/session"
	"github.com/Lekssays/flpoison/store"
	"github.com/pkg/errors"
	"github.com/pterm/pterm"
	"github.com/sirupsen/logrus"
)

const USAGE = `usage:
  flpoison run [config.yaml]
  flpoison rounds <leveldb> [session]
  flpoison export <redis> <session> <round> <dir>
  flpoison fetch <ipfs> <cid> <out.npy>
  flpoison listen <ws url>`

func main() {
	args := os.Args[1:]
	if len(args) < 1 {
		fmt.Println(USAGE)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	switch args[0] {
	case "run":
		path := ""
		if len(args) > 1 {
			path = args[1]
		}
		err = run(ctx, path)
	case "rounds":
		if len(args) < 2 {
			err = errors.New("rounds needs a leveldb path")
			break
		}
		sessionID := ""
		if len(args) > 2 {
			sessionID = args[2]
		}
		err = rounds(args[1], sessionID)
	case "export":
		if len(args) < 5 {
			err = errors.New("export needs <redis> <session> <round> <dir>")
			break
		}
		err = export(ctx, args[1], args[2], args[3], args[4])
	case "fetch":
		if len(args) < 4 {
			err = errors.New("fetch needs <ipfs> <cid> <out.npy>")
			break
		}
		err = fetch(args[1], args[2], args[3])
	case "listen":
		if len(args) < 2 {
			err = errors.New("listen needs a websocket url")
			break
		}
		err = listen(ctx, args[1])
	default:
		err = errors.Errorf("invalid operation %q\n%s", args[0], USAGE)
	}
	if err != nil {
		pterm.Error.Println(err.Error())
		os.Exit(1)
	}
}

func run(ctx context.Context, path string) error {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return err
		}
	}
	logger, err := cfg.Log.Logger()
	if err != nil {
		return err
	}

	deps := session.Deps{Logger: logger}
	if cfg.Storage.LevelDB != "" {
		var rs *store.RoundStore
		if cfg.Storage.LevelDB == config.MEMORY_STORE {
			rs, err = store.OpenMemRoundStore()
		} else {
			rs, err = store.OpenRoundStore(cfg.Storage.LevelDB)
		}
		if err != nil {
			return err
		}
		defer rs.Close()
		deps.Rounds = rs
	}
	if cfg.Storage.Redis != "" {
		registry := store.NewUpdateRegistry(cfg.Storage.Redis)
		defer registry.Close()
		deps.Updates = registry

		c, err := committee.NewSeededCommittee(session.ClientIDs(cfg.Session.Clients), cfg.Session.Participation, cfg.Session.Seed)
		if err != nil {
			return err
		}
		deps.Selector = committee.Publish(c, registry.Client())
	}
	if cfg.Storage.IPFS != "" {
		deps.Publisher = store.NewIPFSPublisher(cfg.Storage.IPFS)
	}
	if cfg.Feed.Listen != "" {
		hub := feed.NewHub(logger)
		feedCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := hub.Serve(feedCtx, cfg.Feed.Listen); err != nil {
				logger.WithError(err).Error("live feed stopped")
			}
		}()
		deps.Broadcaster = hub
	}

	s, err := session.New(cfg, deps)
	if err != nil {
		return err
	}
	pterm.Info.Printfln("session %s: %d clients, %d rounds, rule %s", s.ID, cfg.Session.Clients, cfg.Session.Rounds, cfg.Aggregation.Rule)

	runErr := s.Run(ctx)
	if len(s.Records()) > 0 {
		if err := renderRounds(s.Records()); err != nil {
			logger.WithError(err).Warn("rendering rounds failed")
		}
	}
	if runErr != nil {
		return runErr
	}
	pterm.Success.Printfln("session %s finished after %d rounds", s.ID, s.Round())
	return nil
}

func rate(r *float64) string {
	if r == nil {
		return "-"
	}
	return strconv.FormatFloat(*r, 'f', 2, 64)
}

func renderRounds(records []session.RoundRecord) error {
	data := pterm.TableData{{"Round", "Rule", "Clients", "Excluded", "Train loss", "Test loss", "Accuracy", "ASR", "Misclass.", "Backdoor"}}
	for _, r := range records {
		data = append(data, []string{
			strconv.Itoa(r.Round),
			r.Rule,
			strconv.Itoa(len(r.Participants)),
			strconv.Itoa(len(r.Excluded)),
			strconv.FormatFloat(r.MeanLoss, 'f', 4, 64),
			strconv.FormatFloat(r.TestLoss, 'f', 4, 64),
			strconv.FormatFloat(r.Accuracy, 'f', 2, 64),
			rate(r.AttackSuccessRate),
			rate(r.MisclassificationRate),
			rate(r.BackdoorSuccessRate),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func rounds(path string, sessionID string) error {
	rs, err := store.OpenRoundStore(path)
	if err != nil {
		return err
	}
	defer rs.Close()

	if sessionID == "" {
		sessions, err := rs.Sessions()
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			pterm.Info.Println("no sessions stored")
			return nil
		}
		for _, id := range sessions {
			pterm.Println(id)
		}
		return nil
	}

	records, err := rs.Rounds(sessionID)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		pterm.Info.Printfln("no rounds stored for %s", sessionID)
		return nil
	}
	return renderRounds(records)
}

// export writes every update of a round as <dir>/<client>.npy.
func export(ctx context.Context, addr string, sessionID string, round string, dir string) error {
	number, err := strconv.Atoi(round)
	if err != nil {
		return errors.Wrapf(err, "round %q", round)
	}
	registry := store.NewUpdateRegistry(addr)
	defer registry.Close()

	updates, err := registry.Updates(ctx, sessionID, number)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, u := range updates {
		path := filepath.Join(dir, u.ClientID+".npy")
		if err := writeVector(path, u.Values); err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{
			"client":   u.ClientID,
			"poisoned": u.Poisoned,
			"path":     path,
		}).Info("exported update")
	}
	pterm.Success.Printfln("exported %d updates of round %d", len(updates), number)
	return nil
}

func fetch(endpoint string, cid string, out string) error {
	vector, err := store.NewIPFSPublisher(endpoint).FetchModel(cid)
	if err != nil {
		return err
	}
	if err := writeVector(out, vector); err != nil {
		return err
	}
	pterm.Success.Printfln("%s: %d parameters written to %s", cid, len(vector), out)
	return nil
}

func writeVector(path string, vector []float64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := model.WriteNumpy(f, vector); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func listen(ctx context.Context, url string) error {
	pterm.Info.Printfln("listening on %s", url)
	return feed.Listen(ctx, url, func(r session.RoundRecord) error {
		pterm.Printfln("%s round %d [%s] accuracy %.2f asr %s excluded %v",
			r.SessionID, r.Round, r.Rule, r.Accuracy, rate(r.AttackSuccessRate), r.Excluded)
		return nil
	})
}
