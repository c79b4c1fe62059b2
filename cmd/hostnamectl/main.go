// Command hostnamectl is the operator-facing CLI for the Hostname
// Allocator and Store: venue setup, pool imports, manual assignment,
// batch scheduling, and master image registration. It talks to the same
// SQLite file deploymentd serves from, so it is meant to run on the same
// host, typically stopped-daemon or read-mostly.
package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/c2h5oh/datasize"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/vorsengineer/cw-rpi-deployment/internal/config"
	"github.com/vorsengineer/cw-rpi-deployment/internal/hostnames"
	"github.com/vorsengineer/cw-rpi-deployment/internal/store"
)

func main() {
	app := &cli.App{
		Name:  "hostnamectl",
		Usage: "manage venues, the hostname pool, deployment batches, and master images",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "database-path", Value: config.Default().DatabasePath, Usage: "path to the SQLite database file"},
		},
		Commands: []*cli.Command{
			createVenueCmd,
			importCmd,
			assignCmd,
			releaseCmd,
			retireCmd,
			statsCmd,
			batchCmd,
			imageCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// openAllocator opens the Store at the --database-path flag and returns an
// Allocator over it; callers defer the returned close func.
func openAllocator(c *cli.Context) (*hostnames.Allocator, func(), error) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	st, err := store.Open(c.String("database-path"), log)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	return hostnames.New(st, log), func() { _ = st.Close() }, nil
}

var createVenueCmd = &cli.Command{
	Name:      "create-venue",
	Usage:     "register a new venue",
	ArgsUsage: "CODE NAME",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "location"},
		&cli.StringFlag{Name: "email"},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() < 2 {
			return cli.Exit("usage: hostnamectl create-venue CODE NAME", 1)
		}
		alloc, closeFn, err := openAllocator(c)
		if err != nil {
			return err
		}
		defer closeFn()

		err = alloc.CreateVenue(context.Background(), c.Args().Get(0), c.Args().Get(1), c.String("location"), c.String("email"))
		if err != nil {
			return err
		}
		fmt.Printf("venue %s created\n", strings.ToUpper(c.Args().Get(0)))
		return nil
	},
}

var importCmd = &cli.Command{
	Name:      "import",
	Usage:     "bulk import hostname pool identifiers for a venue/product type",
	ArgsUsage: "VENUE PRODUCT_TYPE IDENTIFIER...",
	Action: func(c *cli.Context) error {
		if c.NArg() < 3 {
			return cli.Exit("usage: hostnamectl import VENUE PRODUCT_TYPE IDENTIFIER...", 1)
		}
		alloc, closeFn, err := openAllocator(c)
		if err != nil {
			return err
		}
		defer closeFn()

		venue, productType := c.Args().Get(0), c.Args().Get(1)
		identifiers := c.Args().Slice()[2:]

		result, err := alloc.BulkImport(context.Background(), venue, productType, identifiers)
		if err != nil {
			return err
		}
		fmt.Printf("imported %d, %d duplicates skipped\n", result.Imported, result.Duplicates)
		return nil
	},
}

var assignCmd = &cli.Command{
	Name:      "assign",
	Usage:     "assign the next available hostname for a venue/product type",
	ArgsUsage: "VENUE PRODUCT_TYPE",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "mac"},
		&cli.StringFlag{Name: "serial"},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() < 2 {
			return cli.Exit("usage: hostnamectl assign VENUE PRODUCT_TYPE", 1)
		}
		alloc, closeFn, err := openAllocator(c)
		if err != nil {
			return err
		}
		defer closeFn()

		hostname, err := alloc.Assign(context.Background(), c.Args().Get(1), c.Args().Get(0), c.String("mac"), c.String("serial"))
		if err != nil {
			return err
		}
		fmt.Println(hostname)
		return nil
	},
}

var releaseCmd = &cli.Command{
	Name:      "release",
	Usage:     "release an assigned hostname back to the available pool",
	ArgsUsage: "HOSTNAME",
	Action: func(c *cli.Context) error {
		if c.NArg() < 1 {
			return cli.Exit("usage: hostnamectl release HOSTNAME", 1)
		}
		alloc, closeFn, err := openAllocator(c)
		if err != nil {
			return err
		}
		defer closeFn()

		if err := alloc.Release(context.Background(), c.Args().Get(0)); err != nil {
			return err
		}
		fmt.Printf("%s released\n", c.Args().Get(0))
		return nil
	},
}

var retireCmd = &cli.Command{
	Name:      "retire",
	Usage:     "retire a pool entry regardless of its current status",
	ArgsUsage: "HOSTNAME",
	Action: func(c *cli.Context) error {
		if c.NArg() < 1 {
			return cli.Exit("usage: hostnamectl retire HOSTNAME", 1)
		}
		alloc, closeFn, err := openAllocator(c)
		if err != nil {
			return err
		}
		defer closeFn()

		if err := alloc.RetirePoolEntry(context.Background(), c.Args().Get(0)); err != nil {
			return err
		}
		fmt.Printf("%s retired\n", c.Args().Get(0))
		return nil
	},
}

var statsCmd = &cli.Command{
	Name:  "stats",
	Usage: "print venue pool statistics",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "venue", Usage: "limit to a single venue code"},
	},
	Action: func(c *cli.Context) error {
		alloc, closeFn, err := openAllocator(c)
		if err != nil {
			return err
		}
		defer closeFn()

		ctx := context.Background()
		if venue := c.String("venue"); venue != "" {
			pc, err := alloc.VenueStatistics(ctx, venue)
			if err != nil {
				return err
			}
			fmt.Printf("%s: total=%d available=%d assigned=%d retired=%d\n", venue, pc.Total, pc.Available, pc.Assigned, pc.Retired)
			return nil
		}

		venues, err := alloc.ListVenues(ctx)
		if err != nil {
			return err
		}
		for _, v := range venues {
			fmt.Printf("%s %-24s kxp2=%d/%d rxp2=%d/%d\n", v.Code, v.Name,
				v.KXP2Assigned, v.KXP2Assigned+v.KXP2Available,
				v.RXP2Assigned, v.RXP2Assigned+v.RXP2Available)
		}
		return nil
	},
}

var batchCmd = &cli.Command{
	Name:  "batch",
	Usage: "create and manage deployment batches",
	Subcommands: []*cli.Command{
		{
			Name:      "create",
			ArgsUsage: "VENUE PRODUCT_TYPE TOTAL_COUNT",
			Flags:     []cli.Flag{&cli.IntFlag{Name: "priority", Value: 0}},
			Action: func(c *cli.Context) error {
				if c.NArg() < 3 {
					return cli.Exit("usage: hostnamectl batch create VENUE PRODUCT_TYPE TOTAL_COUNT", 1)
				}
				alloc, closeFn, err := openAllocator(c)
				if err != nil {
					return err
				}
				defer closeFn()

				var total int
				if _, err := fmt.Sscanf(c.Args().Get(2), "%d", &total); err != nil {
					return cli.Exit("TOTAL_COUNT must be an integer", 1)
				}
				id, err := alloc.CreateBatch(context.Background(), c.Args().Get(0), c.Args().Get(1), total, c.Int("priority"))
				if err != nil {
					return err
				}
				fmt.Printf("batch %d created\n", id)
				return nil
			},
		},
		{
			Name:      "start",
			ArgsUsage: "ID",
			Action:    batchIDAction(func(alloc *hostnames.Allocator, ctx context.Context, id int64) error { return alloc.StartBatch(ctx, id) }),
		},
		{
			Name:      "pause",
			ArgsUsage: "ID",
			Action:    batchIDAction(func(alloc *hostnames.Allocator, ctx context.Context, id int64) error { return alloc.PauseBatch(ctx, id) }),
		},
		{
			Name:      "priority",
			ArgsUsage: "ID PRIORITY",
			Action: func(c *cli.Context) error {
				if c.NArg() < 2 {
					return cli.Exit("usage: hostnamectl batch priority ID PRIORITY", 1)
				}
				alloc, closeFn, err := openAllocator(c)
				if err != nil {
					return err
				}
				defer closeFn()

				var id int64
				var priority int
				if _, err := fmt.Sscanf(c.Args().Get(0), "%d", &id); err != nil {
					return cli.Exit("ID must be an integer", 1)
				}
				if _, err := fmt.Sscanf(c.Args().Get(1), "%d", &priority); err != nil {
					return cli.Exit("PRIORITY must be an integer", 1)
				}
				return alloc.UpdatePriority(context.Background(), id, priority)
			},
		},
		{
			Name:  "list",
			Flags: []cli.Flag{&cli.StringFlag{Name: "venue"}, &cli.StringFlag{Name: "status"}},
			Action: func(c *cli.Context) error {
				alloc, closeFn, err := openAllocator(c)
				if err != nil {
					return err
				}
				defer closeFn()

				batches, err := alloc.ListBatches(context.Background(), c.String("venue"), c.String("status"))
				if err != nil {
					return err
				}
				for _, b := range batches {
					fmt.Printf("%d %s/%s priority=%d status=%s remaining=%d/%d\n",
						b.ID, b.VenueCode, b.ProductType, b.Priority, b.Status, b.RemainingCount, b.TotalCount)
				}
				return nil
			},
		},
		{
			Name:      "get",
			ArgsUsage: "ID",
			Action: func(c *cli.Context) error {
				if c.NArg() < 1 {
					return cli.Exit("usage: hostnamectl batch get ID", 1)
				}
				alloc, closeFn, err := openAllocator(c)
				if err != nil {
					return err
				}
				defer closeFn()

				var id int64
				if _, err := fmt.Sscanf(c.Args().Get(0), "%d", &id); err != nil {
					return cli.Exit("ID must be an integer", 1)
				}
				b, err := alloc.GetBatch(context.Background(), id)
				if err != nil {
					return err
				}
				fmt.Printf("%d %s/%s priority=%d status=%s remaining=%d/%d\n",
					b.ID, b.VenueCode, b.ProductType, b.Priority, b.Status, b.RemainingCount, b.TotalCount)
				return nil
			},
		},
	},
}

func batchIDAction(fn func(*hostnames.Allocator, context.Context, int64) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		if c.NArg() < 1 {
			return cli.Exit("expected a batch ID argument", 1)
		}
		alloc, closeFn, err := openAllocator(c)
		if err != nil {
			return err
		}
		defer closeFn()

		var id int64
		if _, err := fmt.Sscanf(c.Args().Get(0), "%d", &id); err != nil {
			return cli.Exit("ID must be an integer", 1)
		}
		return fn(alloc, context.Background(), id)
	}
}

var imageCmd = &cli.Command{
	Name:  "image",
	Usage: "register and activate master images",
	Subcommands: []*cli.Command{
		{
			Name:      "register",
			ArgsUsage: "PATH PRODUCT_TYPE VERSION",
			Action: func(c *cli.Context) error {
				if c.NArg() < 3 {
					return cli.Exit("usage: hostnamectl image register PATH PRODUCT_TYPE VERSION", 1)
				}
				path, productType, version := c.Args().Get(0), c.Args().Get(1), c.Args().Get(2)

				size, checksum, err := checksumFile(path)
				if err != nil {
					return err
				}

				log := logrus.New()
				log.SetOutput(io.Discard)
				st, err := store.Open(c.String("database-path"), log)
				if err != nil {
					return err
				}
				defer st.Close()

				filename := filepath.Base(path)
				id, err := st.RegisterImage(context.Background(), filename, productType, version, checksum, size)
				if err != nil {
					return err
				}
				fmt.Printf("image %d registered: %s (%s)\n", id, filename, datasize.ByteSize(size).String())
				return nil
			},
		},
		{
			Name:      "activate",
			ArgsUsage: "ID",
			Action: func(c *cli.Context) error {
				if c.NArg() < 1 {
					return cli.Exit("usage: hostnamectl image activate ID", 1)
				}
				log := logrus.New()
				log.SetOutput(io.Discard)
				st, err := store.Open(c.String("database-path"), log)
				if err != nil {
					return err
				}
				defer st.Close()

				var id int64
				if _, err := fmt.Sscanf(c.Args().Get(0), "%d", &id); err != nil {
					return cli.Exit("ID must be an integer", 1)
				}
				if err := st.ActivateImage(context.Background(), id); err != nil {
					return err
				}
				fmt.Printf("image %d activated\n", id)
				return nil
			},
		},
		{
			Name: "list",
			Action: func(c *cli.Context) error {
				log := logrus.New()
				log.SetOutput(io.Discard)
				st, err := store.Open(c.String("database-path"), log)
				if err != nil {
					return err
				}
				defer st.Close()

				images, err := st.ListImages(context.Background())
				if err != nil {
					return err
				}
				for _, img := range images {
					active := ""
					if img.Active {
						active = " (active)"
					}
					fmt.Printf("%d %s %s v%s %s%s\n", img.ID, img.Filename, img.ProductType, img.Version,
						datasize.ByteSize(img.SizeBytes).String(), active)
				}
				return nil
			},
		},
	},
}

func checksumFile(path string) (size int64, checksum string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", fmt.Errorf("open image file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, "", err
	}

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, "", fmt.Errorf("checksum image file: %w", err)
	}
	return info.Size(), fmt.Sprintf("%x", h.Sum(nil)), nil
}
