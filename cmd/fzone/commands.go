package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/crypto/ssh"

	"github.com/systemshift/fzone/internal/codec"
	"github.com/systemshift/fzone/internal/config"
	"github.com/systemshift/fzone/internal/dag"
	fzonefuse "github.com/systemshift/fzone/internal/fuse"
	"github.com/systemshift/fzone/internal/replica"
)

func runInit(e *env, args []string) error {
	flagSet := pflag.NewFlagSet("init", pflag.ContinueOnError)
	if err := parseFlags(flagSet, args); err != nil {
		return err
	}

	repo, err := e.openRepo()
	if err != nil {
		return err
	}
	defer repo.Close()

	// The saved file keeps paths relative so the repository can move.
	path := filepath.Join(e.cfg.Repository, config.FileName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := config.Default(".").Save(path); err != nil {
			return err
		}
	}
	id, err := dag.LoadIdentity(e.cfg.Identity)
	if err != nil {
		return err
	}
	hostKey, err := replica.LoadOrCreateKey(e.cfg.Server.HostKey)
	if err != nil {
		return err
	}
	clientKey, err := replica.LoadOrCreateKey(e.cfg.Client.Key)
	if err != nil {
		return err
	}

	fmt.Fprintf(e.stdout, "repository  %s\n", e.cfg.Repository)
	fmt.Fprintf(e.stdout, "channel     %s (%s)\n", id.DID, dag.Petname(id.DID))
	fmt.Fprintf(e.stdout, "host key    %s\n", ssh.FingerprintSHA256(hostKey.PublicKey()))
	fmt.Fprintf(e.stdout, "client key  %s", ssh.MarshalAuthorizedKey(clientKey.PublicKey()))
	return nil
}

func runAdd(e *env, args []string) error {
	var expect string
	flagSet := pflag.NewFlagSet("add", pflag.ContinueOnError)
	flagSet.StringVar(&expect, "expect", "", "fail unless the single file hashes to this value")
	if err := parseFlags(flagSet, args); err != nil {
		return err
	}
	files := flagSet.Args()
	if len(files) == 0 {
		return fmt.Errorf("add: no files")
	}
	if expect != "" && len(files) != 1 {
		return fmt.Errorf("add: --expect needs exactly one file")
	}

	repo, err := e.openRepo()
	if err != nil {
		return err
	}
	defer repo.Close()

	for _, path := range files {
		hash, err := repo.AddObject(path, expect)
		if err != nil {
			return err
		}
		if err := repo.IndexObject(e.ctx, hash); err != nil {
			return err
		}
		fmt.Fprintln(e.stdout, hash)
	}
	return nil
}

func runPut(e *env, args []string) error {
	var refs []string
	flagSet := pflag.NewFlagSet("put", pflag.ContinueOnError)
	flagSet.StringSliceVar(&refs, "ref", nil, "hash this object references (repeatable)")
	if err := parseFlags(flagSet, args); err != nil {
		return err
	}
	if err := checkHashes(refs); err != nil {
		return err
	}

	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	body, err := codec.Marshal(data)
	if err != nil {
		return err
	}

	repo, err := e.openRepo()
	if err != nil {
		return err
	}
	defer repo.Close()

	hash, err := repo.PutMessage(e.ctx, &dag.Message{Header: dag.Header{Refs: refs}, Body: body})
	if err != nil {
		return err
	}
	fmt.Fprintln(e.stdout, hash)
	return nil
}

func runPublish(e *env, args []string) error {
	var (
		refs   []string
		noBody bool
	)
	flagSet := pflag.NewFlagSet("publish", pflag.ContinueOnError)
	flagSet.StringSliceVar(&refs, "ref", nil, "hash this entry references (repeatable)")
	flagSet.BoolVar(&noBody, "no-body", false, "publish an entry without a body instead of reading stdin")
	if err := parseFlags(flagSet, args); err != nil {
		return err
	}
	if err := checkHashes(refs); err != nil {
		return err
	}

	var body []byte
	if !noBody {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		body = data
	}

	id, err := dag.LoadIdentity(e.cfg.Identity)
	if err != nil {
		return err
	}
	repo, err := e.openRepo()
	if err != nil {
		return err
	}
	defer repo.Close()

	// Reference the current head so the channel forms a chain.
	if head, err := repo.ChannelRoot(e.ctx, id.DID); err == nil {
		refs = append([]string{head}, refs...)
	} else if !errors.Is(err, dag.ErrNotFound) {
		return err
	}

	m, err := id.NewEntry(body, refs, time.Now())
	if err != nil {
		return err
	}
	hash, err := repo.PutMessage(e.ctx, m)
	if err != nil {
		return err
	}
	fmt.Fprintln(e.stdout, hash)
	return nil
}

func runShow(e *env, args []string) error {
	flagSet := pflag.NewFlagSet("show", pflag.ContinueOnError)
	if err := parseFlags(flagSet, args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return fmt.Errorf("show: want one hash or CID")
	}
	hash, err := resolveHash(flagSet.Arg(0))
	if err != nil {
		return err
	}

	repo, err := e.openRepo()
	if err != nil {
		return err
	}
	defer repo.Close()

	data, err := repo.Store.ReadFinalized(hash)
	if err != nil {
		return err
	}
	diag, err := codec.Diagnose(data)
	if err != nil {
		return err
	}
	fmt.Fprintln(e.stdout, diag)
	return nil
}

func runStat(e *env, args []string) error {
	flagSet := pflag.NewFlagSet("stat", pflag.ContinueOnError)
	if err := parseFlags(flagSet, args); err != nil {
		return err
	}
	if flagSet.NArg() == 0 {
		return fmt.Errorf("stat: no hashes")
	}

	repo, err := e.openRepo()
	if err != nil {
		return err
	}
	defer repo.Close()

	for _, arg := range flagSet.Args() {
		hash, err := resolveHash(arg)
		if err != nil {
			return err
		}
		st, err := repo.Stat(e.ctx, hash)
		if err != nil {
			return err
		}
		c, err := dag.ObjectCID(hash)
		if err != nil {
			return err
		}
		links, err := repo.Links(e.ctx, hash)
		if err != nil {
			return err
		}
		fmt.Fprintf(e.stdout, "hash      %s\n", st.Hash)
		fmt.Fprintf(e.stdout, "cid       %s\n", dag.CIDString(c))
		fmt.Fprintf(e.stdout, "state     %s\n", st.State)
		fmt.Fprintf(e.stdout, "finished  %t\n", st.Finished)
		if st.State == dag.StateFinalized {
			fmt.Fprintf(e.stdout, "size      %d\n", st.Size)
		}
		for _, l := range links {
			fmt.Fprintf(e.stdout, "link      %s\n", l)
		}
	}
	return nil
}

func runChannels(e *env, args []string) error {
	flagSet := pflag.NewFlagSet("channels", pflag.ContinueOnError)
	if err := parseFlags(flagSet, args); err != nil {
		return err
	}

	repo, err := e.openRepo()
	if err != nil {
		return err
	}
	defer repo.Close()

	keys, err := repo.Channels(e.ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		head, err := repo.ChannelRoot(e.ctx, key)
		if errors.Is(err, dag.ErrNotFound) {
			head = "-"
		} else if err != nil {
			return err
		}
		entries, err := repo.ChannelEntries(e.ctx, key)
		if err != nil {
			return err
		}
		fmt.Fprintf(e.stdout, "%s\t%s\t%d\t%s\n", key, dag.Petname(key), len(entries), head)
	}
	return nil
}

func runSubscribe(e *env, args []string) error {
	flagSet := pflag.NewFlagSet("subscribe", pflag.ContinueOnError)
	if err := parseFlags(flagSet, args); err != nil {
		return err
	}
	if flagSet.NArg() == 0 {
		return fmt.Errorf("subscribe: no channel keys")
	}

	repo, err := e.openRepo()
	if err != nil {
		return err
	}
	defer repo.Close()

	for _, key := range flagSet.Args() {
		if err := repo.Subscribe(e.ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func runIndexPending(e *env, args []string) error {
	flagSet := pflag.NewFlagSet("index-pending", pflag.ContinueOnError)
	if err := parseFlags(flagSet, args); err != nil {
		return err
	}

	repo, err := e.openRepo()
	if err != nil {
		return err
	}
	defer repo.Close()

	n, err := repo.IndexPending(e.ctx)
	fmt.Fprintf(e.stdout, "indexed %d objects\n", n)
	return err
}

func runServe(e *env, args []string) error {
	var (
		listen    string
		noSync    bool
		metricsAt string
	)
	flagSet := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	flagSet.StringVar(&listen, "listen", e.cfg.Server.Listen, "SSH listen address")
	flagSet.StringVar(&metricsAt, "metrics", e.cfg.Metrics.Listen, "prometheus listen address (empty disables)")
	flagSet.BoolVar(&noSync, "no-sync", false, "do not pull from configured peers")
	if err := parseFlags(flagSet, args); err != nil {
		return err
	}

	repo, err := e.openRepo()
	if err != nil {
		return err
	}
	defer repo.Close()

	hostKey, err := replica.LoadOrCreateKey(e.cfg.Server.HostKey)
	if err != nil {
		return err
	}
	var authorized []ssh.PublicKey
	if e.cfg.Server.AuthorizedKeys != "" {
		if authorized, err = replica.LoadAuthorizedKeys(e.cfg.Server.AuthorizedKeys); err != nil {
			return err
		}
	}

	srv, err := replica.NewServer(replica.ServerConfig{
		Repo:           repo,
		HostKey:        hostKey,
		AuthorizedKeys: authorized,
		Logger:         e.log,
	})
	if err != nil {
		return err
	}
	defer srv.Close()

	puller := replica.NewPuller(repo, e.log)
	if metricsAt != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(srv.Metrics()...)
		registry.MustRegister(puller.Metrics()...)
		go serveMetrics(e.ctx, e.log, metricsAt, registry)
	}

	if !noSync && len(e.cfg.Peers) > 0 {
		dial, err := e.dialFunc(repo)
		if err != nil {
			return err
		}
		syncer := replica.NewSyncer(puller, dial, e.cfg.Peers, e.cfg.PullInterval, e.log)
		syncer.Start()
		defer syncer.Stop()
		e.log.WithFields(logrus.Fields{"peers": len(e.cfg.Peers), "interval": e.cfg.PullInterval}).Info("syncer started")
	}

	l, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	e.log.WithFields(logrus.Fields{
		"listen":   l.Addr().String(),
		"host_key": ssh.FingerprintSHA256(hostKey.PublicKey()),
	}).Info("serving")
	return srv.Serve(e.ctx, l)
}

func serveMetrics(ctx context.Context, log *logrus.Logger, addr string, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		server.Close()
	}()
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Warn("metrics server")
	}
}

func runPull(e *env, args []string) error {
	flagSet := pflag.NewFlagSet("pull", pflag.ContinueOnError)
	if err := parseFlags(flagSet, args); err != nil {
		return err
	}
	peers := flagSet.Args()
	if len(peers) == 0 {
		peers = e.cfg.Peers
	}
	if len(peers) == 0 {
		return fmt.Errorf("pull: no peers given or configured")
	}

	repo, err := e.openRepo()
	if err != nil {
		return err
	}
	defer repo.Close()

	dial, err := e.dialFunc(repo)
	if err != nil {
		return err
	}
	syncer := replica.NewSyncer(replica.NewPuller(repo, e.log), dial, peers, e.cfg.PullInterval, e.log)

	var failed []string
	for _, addr := range peers {
		res, err := syncer.PullFrom(e.ctx, addr)
		if err != nil {
			e.log.WithError(err).WithField("peer", addr).Error("pull failed")
			failed = append(failed, addr)
			continue
		}
		fmt.Fprintf(e.stdout, "%s: %d channels, %d heads, fetched %d objects (%d bytes) in %s\n",
			addr, res.Channels, len(res.Roots), len(res.Fetched), res.Bytes, res.Elapsed.Round(time.Millisecond))
	}
	if len(failed) > 0 {
		return fmt.Errorf("pull failed for %s", strings.Join(failed, ", "))
	}
	return nil
}

func (e *env) dialFunc(repo *dag.Repository) (replica.DialFunc, error) {
	signer, err := replica.LoadOrCreateKey(e.cfg.Client.Key)
	if err != nil {
		return nil, err
	}
	hostKeys, err := replica.HostKeyCallback(e.cfg.Client.KnownHosts)
	if err != nil {
		return nil, err
	}
	if e.cfg.Client.KnownHosts == "" {
		e.log.Warn("no known_hosts configured; peer host keys are not verified")
	}
	cfg := replica.DialConfig{
		User:            e.cfg.Client.User,
		Signer:          signer,
		HostKeyCallback: hostKeys,
		Timeout:         e.cfg.Client.Timeout,
		Logger:          e.log,
	}
	return func(ctx context.Context, addr string) (*replica.Client, error) {
		return replica.Dial(ctx, addr, repo, cfg)
	}, nil
}

func runMount(e *env, args []string) error {
	var debug bool
	flagSet := pflag.NewFlagSet("mount", pflag.ContinueOnError)
	flagSet.BoolVar(&debug, "debug", false, "log FUSE requests")
	if err := parseFlags(flagSet, args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return fmt.Errorf("mount: want one mountpoint")
	}
	mountpoint := flagSet.Arg(0)
	if err := os.MkdirAll(mountpoint, 0755); err != nil {
		return fmt.Errorf("create mountpoint: %w", err)
	}

	repo, err := e.openRepo()
	if err != nil {
		return err
	}
	defer repo.Close()

	server, err := fzonefuse.MountFS(mountpoint, repo, e.log, debug)
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}
	go func() {
		<-e.ctx.Done()
		e.log.Info("unmounting")
		if err := server.Unmount(); err != nil {
			e.log.WithError(err).Warn("unmount")
		}
	}()
	server.Wait()
	return nil
}

// resolveHash accepts an object hash or its CID.
func resolveHash(s string) (string, error) {
	if dag.ValidHash(s) {
		return s, nil
	}
	hash, err := dag.HashFromCID(s)
	if err != nil {
		return "", fmt.Errorf("%q is neither an object hash nor a CID", s)
	}
	return hash, nil
}

func checkHashes(hashes []string) error {
	for _, h := range hashes {
		if !dag.ValidHash(h) {
			return fmt.Errorf("invalid hash %q", h)
		}
	}
	return nil
}
