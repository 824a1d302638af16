package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"github.com/hashicorp/go-hclog"
	"github.com/mitchellh/cli"
	"github.com/morikuni/aec"
	"github.com/pkg/errors"
	"lab47.dev/penv/pkg/active"
	"lab47.dev/penv/pkg/cache"
	"lab47.dev/penv/pkg/checkout"
	"lab47.dev/penv/pkg/cmd"
	"lab47.dev/penv/pkg/config"
	"lab47.dev/penv/pkg/env"
	"lab47.dev/penv/pkg/hook"
	"lab47.dev/penv/pkg/humanize"
	"lab47.dev/penv/pkg/release"
)

func main() {
	if level := os.Getenv("PENV_LOG"); level != "" {
		hclog.SetDefault(hclog.New(&hclog.LoggerOptions{
			Name:   "penv",
			Level:  hclog.LevelFromString(level),
			Output: os.Stderr,
		}))
	}

	c := cli.NewCLI("penv", "0.1.0")
	c.Args = os.Args[1:]
	c.Commands = map[string]cli.CommandFactory{
		"setup": func() (cli.Command, error) {
			return cmd.New(
				"setup",
				"show configuration and data locations",
				setupF,
			), nil
		},
		"install": func() (cli.Command, error) {
			return cmd.New(
				"install",
				"download and install a released version",
				installF,
			), nil
		},
		"cache available": func() (cli.Command, error) {
			return cmd.New(
				"cache available",
				"list versions published upstream",
				cacheAvailableF,
			), nil
		},
		"cache list": func() (cli.Command, error) {
			return cmd.New(
				"cache list",
				"list installed versions",
				cacheListF,
			), nil
		},
		"cache delete": func() (cli.Command, error) {
			return cmd.New(
				"cache delete",
				"delete an installed version",
				cacheDeleteF,
			), nil
		},
		"cache reset": func() (cli.Command, error) {
			return cmd.New(
				"cache reset",
				"delete every installed version",
				cacheResetF,
			), nil
		},
		"manage create": func() (cli.Command, error) {
			return cmd.New(
				"manage create",
				"create a named environment",
				manageCreateF,
			), nil
		},
		"manage list": func() (cli.Command, error) {
			return cmd.New(
				"manage list",
				"list environments",
				manageListF,
			), nil
		},
		"manage info": func() (cli.Command, error) {
			return cmd.New(
				"manage info",
				"show an environment in detail",
				manageInfoF,
			), nil
		},
		"manage delete": func() (cli.Command, error) {
			return cmd.New(
				"manage delete",
				"delete an environment",
				manageDeleteF,
			), nil
		},
		"manage upgrade": func() (cli.Command, error) {
			return cmd.New(
				"manage upgrade",
				"re-resolve an environment against installed versions",
				manageUpgradeF,
			), nil
		},
		"use": func() (cli.Command, error) {
			return cmd.New(
				"use",
				"activate an environment",
				useF,
			), nil
		},
		"deactivate": func() (cli.Command, error) {
			return cmd.New(
				"deactivate",
				"deactivate the current environment",
				deactivateF,
			), nil
		},
		"which": func() (cli.Command, error) {
			return cmd.New(
				"which",
				"show the active environment",
				whichF,
			), nil
		},
		"hook": func() (cli.Command, error) {
			return cmd.New(
				"hook",
				"print shell integration for bash or zsh",
				hookF,
			).Quiet(), nil
		},
		"export": func() (cli.Command, error) {
			return cmd.New(
				"export",
				"print env transitions for the shell hook to eval",
				exportF,
			).Quiet(), nil
		},
	}

	exitStatus, err := c.Run()
	if err != nil {
		log.Println(err)
	}

	os.Exit(exitStatus)
}

// app wires the packages together around a loaded config.
type app struct {
	cfg       *config.Config
	cache     *cache.Cache
	checkouts *checkout.Registry
	envs      *env.Registry
	ctl       *active.Controller
}

func loadApp() (*app, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, errors.Wrapf(err, "unable to create or load configuration")
	}

	c := cache.New(cfg)
	co := checkout.NewRegistry(cfg)
	envs := env.NewRegistry(cfg, c, co)
	store := active.NewStore(cfg.ActiveStatePath())

	return &app{
		cfg:       cfg,
		cache:     c,
		checkouts: co,
		envs:      envs,
		ctl:       active.NewController(cfg, store, envs),
	}, nil
}

func (a *app) source() *release.GitHubSource {
	return release.NewGitHubSource(a.cfg.Repository)
}

func setupF(ctx context.Context, opts struct{}) error {
	a, err := loadApp()
	if err != nil {
		return err
	}

	fmt.Printf("Config Dir: %s\n", a.cfg.ConfigDir())
	fmt.Printf("Data Dir: %s\n", a.cfg.Home)
	fmt.Printf("Release Repository: %s\n", a.cfg.Repository)

	platform, err := config.PlatformTriple()
	if err != nil {
		return err
	}

	fmt.Printf("Platform: %s\n", platform)

	return nil
}

func installF(ctx context.Context, opts struct {
	Pos struct {
		Requirement string `positional-arg-name:"requirement"`
	} `positional-args:"yes"`
}) error {
	a, err := loadApp()
	if err != nil {
		return err
	}

	reqStr := opts.Pos.Requirement
	if reqStr == "" {
		reqStr = "latest"
	}

	req, err := release.ParseRequirement(reqStr)
	if err != nil {
		return err
	}

	if req.Kind() == release.KindRepo {
		return installCheckout(ctx, a, req.RepoURL())
	}

	platform, err := config.PlatformTriple()
	if err != nil {
		return err
	}

	src := a.source()

	releases, err := src.List(ctx)
	if err != nil {
		return err
	}

	rel, err := release.Select(req, releases)
	if err != nil {
		return err
	}

	version := rel.Version.Original()

	if ok, err := a.cache.IsInstalled(version); err != nil {
		return err
	} else if ok {
		fmt.Printf("%s is already installed\n", version)
		return nil
	}

	fmt.Printf("Installing %s for %s\n", version, platform)

	inst := cache.NewInstaller(a.cfg, a.cache, src, platform)

	entry, err := inst.Install(ctx, rel)
	if err != nil {
		return err
	}

	total, err := a.cache.DiskUsage(entry.Version)
	if err != nil {
		return err
	}

	sz, unit := humanize.Size(total)

	fmt.Printf("%s Installed %s (%.2f%s)\n",
		aec.GreenF.Apply("✓"), entry.Version, sz, unit)

	return nil
}

// installCheckout handles `install <git-url>`: the clone exists afterward,
// shared with any environment later created from the same URL.
func installCheckout(ctx context.Context, a *app, url string) error {
	_, ok, err := a.checkouts.Lookup(url)
	if err != nil {
		return err
	}

	if ok {
		err = a.checkouts.Refresh(ctx, url)
		if err != nil {
			return err
		}

		fmt.Printf("Fetched new history for %s\n", url)
		return nil
	}

	co, err := a.checkouts.Ensure(ctx, url, "")
	if err != nil {
		return err
	}

	fmt.Printf("%s Cloned %s into %s\n",
		aec.GreenF.Apply("✓"), url, a.checkouts.Dir(co.URL))

	return nil
}

func cacheAvailableF(ctx context.Context, opts struct {
	All bool `short:"a" long:"all" description:"include versions without archives for this platform"`

	Pos struct {
		Requirement string `positional-arg-name:"requirement"`
	} `positional-args:"yes"`
}) error {
	a, err := loadApp()
	if err != nil {
		return err
	}

	platform, err := config.PlatformTriple()
	if err != nil {
		return err
	}

	releases, err := a.source().List(ctx)
	if err != nil {
		return err
	}

	releases, err = filterReleases(releases, opts.Pos.Requirement)
	if err != nil {
		return err
	}

	installed := make(map[string]bool)

	versions, err := a.cache.Versions()
	if err != nil {
		return err
	}

	for _, v := range versions {
		installed[v] = true
	}

	tw := tabwriter.NewWriter(os.Stdout, 4, 2, 2, ' ', 0)
	defer tw.Flush()

	for _, rel := range releases {
		supported := rel.SupportsPlatform(platform)

		if !supported && !opts.All {
			continue
		}

		var notes []string

		if installed[rel.Version.Original()] {
			notes = append(notes, aec.GreenF.Apply("installed"))
		}

		if !supported {
			notes = append(notes, aec.YellowF.Apply("unsupported"))
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\n",
			rel.Version.Original(), rel.Name, joinNotes(notes))
	}

	return nil
}

func joinNotes(notes []string) string {
	out := ""

	for i, n := range notes {
		if i > 0 {
			out += ", "
		}

		out += n
	}

	return out
}

func filterReleases(releases []*release.Release, reqStr string) ([]*release.Release, error) {
	if reqStr == "" {
		return releases, nil
	}

	req, err := release.ParseRequirement(reqStr)
	if err != nil {
		return nil, err
	}

	return release.Filter(req, releases), nil
}

func cacheListF(ctx context.Context, opts struct {
	Pos struct {
		Requirement string `positional-arg-name:"requirement"`
	} `positional-args:"yes"`
}) error {
	a, err := loadApp()
	if err != nil {
		return err
	}

	entries, err := a.cache.Entries()
	if err != nil {
		return err
	}

	if opts.Pos.Requirement != "" {
		req, err := release.ParseRequirement(opts.Pos.Requirement)
		if err != nil {
			return err
		}

		var versions []string

		for _, e := range entries {
			versions = append(versions, e.Version)
		}

		keep := make(map[string]bool)

		for _, v := range release.FilterVersions(req, versions) {
			keep[v] = true
		}

		var filtered []cache.Entry

		for _, e := range entries {
			if keep[e.Version] {
				filtered = append(filtered, e)
			}
		}

		entries = filtered
	}

	tw := tabwriter.NewWriter(os.Stdout, 4, 2, 2, ' ', 0)
	defer tw.Flush()

	for _, e := range entries {
		total, err := a.cache.DiskUsage(e.Version)
		if err != nil {
			return err
		}

		sz, unit := humanize.Size(total)

		pinned, err := a.envs.PinnedBy(e.Version)
		if err != nil {
			return err
		}

		use := ""
		if len(pinned) > 0 {
			use = aec.CyanF.Apply(fmt.Sprintf("used by %v", pinned))
		}

		fmt.Fprintf(tw, "%s\t%.2f%s\t%s\t%s\n",
			e.Version, sz, unit,
			e.InstalledAt.Format("2006-01-02"), use)
	}

	return nil
}

func cacheDeleteF(ctx context.Context, opts struct {
	Pos struct {
		Version string `positional-arg-name:"version" required:"yes"`
	} `positional-args:"yes"`
}) error {
	a, err := loadApp()
	if err != nil {
		return err
	}

	pinned, err := a.envs.PinnedBy(opts.Pos.Version)
	if err != nil {
		return err
	}

	if len(pinned) > 0 {
		return errors.Errorf(
			"version %s is pinned by %v, delete those environments first",
			opts.Pos.Version, pinned)
	}

	err = a.cache.Delete(ctx, opts.Pos.Version)
	if err != nil {
		return err
	}

	fmt.Printf("Deleted %s\n", opts.Pos.Version)

	return nil
}

func cacheResetF(ctx context.Context, opts struct{}) error {
	a, err := loadApp()
	if err != nil {
		return err
	}

	envs, err := a.envs.List()
	if err != nil {
		return err
	}

	for _, e := range envs {
		if e.PinnedVersion != "" {
			return errors.Errorf(
				"environment %q pins %s, delete environments before resetting the cache",
				e.Alias, e.PinnedVersion)
		}
	}

	err = a.cache.Reset(ctx)
	if err != nil {
		return err
	}

	fmt.Println("Cache reset")

	return nil
}

func manageCreateF(ctx context.Context, opts struct {
	ClientOnly      bool   `short:"c" long:"client-only" description:"manage pcli and pclientd only, no node homes"`
	GenerateNetwork bool   `long:"generate-network" description:"node bootstraps its own network instead of joining"`
	JoinURL         string `short:"j" long:"join-url" description:"node join URL (defaults from the gRPC host)"`

	Pos struct {
		Alias       string `positional-arg-name:"alias" required:"yes"`
		Requirement string `positional-arg-name:"requirement" required:"yes"`
		GrpcURL     string `positional-arg-name:"grpc-url" required:"yes"`
	} `positional-args:"yes"`
}) error {
	a, err := loadApp()
	if err != nil {
		return err
	}

	e, err := a.envs.Create(ctx, env.CreateOptions{
		Alias:           opts.Pos.Alias,
		Requirement:     opts.Pos.Requirement,
		GrpcURL:         opts.Pos.GrpcURL,
		JoinURL:         opts.JoinURL,
		IncludeNode:     !opts.ClientOnly,
		GenerateNetwork: opts.GenerateNetwork,
	})
	if err != nil {
		return err
	}

	if e.IsCheckout() {
		fmt.Printf("Created %s tracking %s\n", e.Alias, e.CheckoutURL)
	} else {
		fmt.Printf("Created %s pinned to %s\n", e.Alias, e.PinnedVersion)
	}

	return nil
}

func manageListF(ctx context.Context, opts struct {
	Detailed bool `short:"d" long:"detailed" description:"include requirement, node mode, and creation time"`
}) error {
	a, err := loadApp()
	if err != nil {
		return err
	}

	envs, err := a.envs.List()
	if err != nil {
		return err
	}

	cur, err := a.ctl.Current()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 4, 2, 2, ' ', 0)
	defer tw.Flush()

	for _, e := range envs {
		marker := " "

		alias := e.Alias

		if cur != nil && cur.Alias == e.Alias {
			marker = aec.GreenF.Apply("*")
			alias = aec.GreenF.Apply(alias)
		}

		version := e.PinnedVersion
		if e.IsCheckout() {
			version = e.CheckoutURL
		}

		if !opts.Detailed {
			fmt.Fprintf(tw, "%s %s\t%s\t%s\n", marker, alias, version, e.GrpcURL)
			continue
		}

		mode := "client-only"
		if e.IncludeNode {
			mode = "node"

			if e.GenerateNetwork {
				mode = "node (generated network)"
			}
		}

		fmt.Fprintf(tw, "%s %s\t%s\t%s\t%s\t%s\t%s\n",
			marker, alias, version, e.Requirement, mode, e.GrpcURL,
			e.CreatedAt.Format("2006-01-02"))
	}

	return nil
}

func manageInfoF(ctx context.Context, opts struct {
	Pos struct {
		Alias string `positional-arg-name:"alias" required:"yes"`
	} `positional-args:"yes"`
}) error {
	a, err := loadApp()
	if err != nil {
		return err
	}

	e, err := a.envs.Get(opts.Pos.Alias)
	if err != nil {
		return err
	}

	fmt.Printf("Alias: %s\n", e.Alias)
	fmt.Printf("Requirement: %s\n", e.Requirement)

	if e.IsCheckout() {
		fmt.Printf("Checkout: %s\n", e.CheckoutURL)
		fmt.Printf("Checkout Dir: %s\n", a.checkouts.Dir(e.CheckoutURL))
	} else {
		fmt.Printf("Pinned Version: %s\n", e.PinnedVersion)
	}

	fmt.Printf("gRPC URL: %s\n", e.GrpcURL)
	fmt.Printf("Root: %s\n", e.RootDir(a.cfg))
	fmt.Printf("pcli Home: %s\n", e.PcliHome(a.cfg))
	fmt.Printf("pclientd Home: %s\n", e.PclientdHome(a.cfg))

	if e.IncludeNode {
		fmt.Printf("pd Home: %s\n", e.PdHome(a.cfg))
		fmt.Printf("cometbft Home: %s\n", e.CometbftHome(a.cfg))

		if e.GenerateNetwork {
			fmt.Println("Network: generated locally")
		} else {
			fmt.Printf("Join URL: %s\n", e.JoinURL)
		}
	}

	fmt.Printf("Created: %s\n", e.CreatedAt.Format("2006-01-02 15:04:05"))

	return nil
}

func manageDeleteF(ctx context.Context, opts struct {
	Pos struct {
		Alias string `positional-arg-name:"alias" required:"yes"`
	} `positional-args:"yes"`
}) error {
	a, err := loadApp()
	if err != nil {
		return err
	}

	cur, err := a.ctl.Current()
	if err != nil {
		return err
	}

	if cur != nil && cur.Alias == opts.Pos.Alias {
		err = a.ctl.Deactivate(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Deactivated %s\n", opts.Pos.Alias)
	}

	err = a.envs.Delete(ctx, opts.Pos.Alias)
	if err != nil {
		return err
	}

	fmt.Printf("Deleted %s\n", opts.Pos.Alias)

	return nil
}

func manageUpgradeF(ctx context.Context, opts struct {
	Pos struct {
		Alias string `positional-arg-name:"alias" required:"yes"`
	} `positional-args:"yes"`
}) error {
	a, err := loadApp()
	if err != nil {
		return err
	}

	from, to, changed, err := a.envs.Upgrade(ctx, opts.Pos.Alias)
	if err != nil {
		return err
	}

	if !changed {
		fmt.Printf("%s is up to date (%s)\n", opts.Pos.Alias, to)
		return nil
	}

	if from == to {
		fmt.Printf("Fetched new history for %s\n", opts.Pos.Alias)
		return nil
	}

	fmt.Printf("Upgraded %s: %s -> %s\n", opts.Pos.Alias, from, to)
	fmt.Println("Existing wallet and node data were left untouched.")

	return nil
}

func useF(ctx context.Context, opts struct {
	Pos struct {
		Alias string `positional-arg-name:"alias" required:"yes"`
	} `positional-args:"yes"`
}) error {
	a, err := loadApp()
	if err != nil {
		return err
	}

	e, err := a.ctl.Use(ctx, opts.Pos.Alias)
	if err != nil {
		return err
	}

	fmt.Printf("%s Now using %s\n", aec.GreenF.Apply("✓"), e.Alias)

	return nil
}

func deactivateF(ctx context.Context, opts struct{}) error {
	a, err := loadApp()
	if err != nil {
		return err
	}

	err = a.ctl.Deactivate(ctx)
	if err != nil {
		return err
	}

	fmt.Println("Deactivated")

	return nil
}

func whichF(ctx context.Context, opts struct {
	Detailed bool `short:"d" long:"detailed" description:"also show home directories and endpoints"`
}) error {
	a, err := loadApp()
	if err != nil {
		return err
	}

	cur, err := a.ctl.Current()
	if err != nil {
		return err
	}

	if cur == nil {
		fmt.Println("No environment is active")
		return nil
	}

	version := cur.PinnedVersion
	if cur.IsCheckout() {
		version = cur.CheckoutURL
	}

	fmt.Printf("%s (%s)\n", cur.Alias, version)

	if !opts.Detailed {
		return nil
	}

	fmt.Printf("bin: %s\n", a.cfg.BinPath())
	fmt.Printf("gRPC URL: %s\n", cur.GrpcURL)
	fmt.Printf("pcli Home: %s\n", cur.PcliHome(a.cfg))
	fmt.Printf("pclientd Home: %s\n", cur.PclientdHome(a.cfg))

	if cur.IncludeNode {
		fmt.Printf("pd Home: %s\n", cur.PdHome(a.cfg))
		fmt.Printf("cometbft Home: %s\n", cur.CometbftHome(a.cfg))
	}

	return nil
}

func hookF(ctx context.Context, opts struct {
	Pos struct {
		Shell string `positional-arg-name:"shell" required:"yes"`
	} `positional-args:"yes"`
}) error {
	a, err := loadApp()
	if err != nil {
		return err
	}

	script, err := hook.Script(opts.Pos.Shell, a.cfg)
	if err != nil {
		return err
	}

	fmt.Print(script)

	return nil
}

func exportF(ctx context.Context, opts struct {
	From string `long:"from" description:"alias the shell currently has exported (defaults to $PENV_ACTIVE)"`
}) error {
	a, err := loadApp()
	if err != nil {
		return err
	}

	cur, err := a.ctl.Current()
	if err != nil {
		return err
	}

	prev := opts.From
	if prev == "" {
		prev = os.Getenv(hook.VarActive)
	}

	return hook.Emit(os.Stdout, prev, cur, a.cfg)
}
