package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/imroc/req"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"golang.org/x/term"

	"github.com/aeg-devices/loki-update/pkg/errors"
	"github.com/aeg-devices/loki-update/pkg/model"
	"github.com/aeg-devices/loki-update/pkg/security"
)

var (
	uploadTarget string
	uploadServer string
	uploadWatch  bool
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file>...",
	Short: "Upload image files to a running service",
	Long: `Registers the SHA-256 of every file, selects the target and uploads the
files to a running loki-update service. With --watch the copy or flash
progress is followed until the job finishes.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runUpload,
}

func init() {
	rootCmd.AddCommand(uploadCmd)
	uploadCmd.Flags().StringVar(&uploadTarget, "target", "emmc", "Target to deploy to (emmc, sd, flash)")
	uploadCmd.Flags().StringVar(&uploadServer, "server", "http://localhost:8888", "Service base URL")
	uploadCmd.Flags().BoolVar(&uploadWatch, "watch", false, "Follow progress until the job finishes")
}

type uploadClient struct {
	r    *req.Req
	base string
}

func (u *uploadClient) check(resp *req.Resp, err error, what string) (gjson.Result, error) {
	if err != nil {
		return gjson.Result{}, errors.Wrap(err, what)
	}
	body, err := resp.ToBytes()
	if err != nil {
		return gjson.Result{}, errors.Wrap(err, what)
	}
	res := gjson.ParseBytes(body)
	if resp.Response().StatusCode != http.StatusOK {
		msg := res.Get("error").String()
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return res, fmt.Errorf("%s: %s (status %d)", what, msg, resp.Response().StatusCode)
	}
	return res, nil
}

// prepareUploads hashes and opens every file. closeAll releases the opened
// files and is safe to call after an error.
func prepareUploads(paths []string) ([]model.FileChecksum, []req.FileUpload, func(), error) {
	sums := make([]model.FileChecksum, 0, len(paths))
	uploads := make([]req.FileUpload, 0, len(paths))
	closeAll := func() {
		for _, u := range uploads {
			u.File.Close()
		}
	}

	for _, path := range paths {
		sum, err := security.FileSHA256(path)
		if err != nil {
			closeAll()
			return nil, nil, func() {}, err
		}
		fi, err := os.Stat(path)
		if err != nil {
			closeAll()
			return nil, nil, func() {}, err
		}
		name := filepath.Base(path)
		sums = append(sums, model.FileChecksum{FileName: name, Checksum: sum})
		slog.Info("upload_file_prepared", "file", name, "size", units.HumanSize(float64(fi.Size())), "sha256", sum[:16]+"...")

		f, err := os.Open(path)
		if err != nil {
			closeAll()
			return nil, nil, func() {}, err
		}
		uploads = append(uploads, req.FileUpload{File: f, FieldName: "file", FileName: name})
	}
	return sums, uploads, closeAll, nil
}

func runUpload(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	target, err := model.ParseTarget(uploadTarget)
	if err != nil {
		return err
	}

	ctx := context.Background()
	r := req.New()
	r.SetTimeout(cfg.HTTPTimeout)
	client := &uploadClient{r: r, base: strings.TrimRight(uploadServer, "/") + cfg.APIPrefix}

	sums, uploads, closeAll, err := prepareUploads(args)
	if err != nil {
		return err
	}
	defer closeAll()

	resp, err := r.Put(client.base+"/copy_progress/checksums", req.BodyJSON(sums), ctx)
	if _, err := client.check(resp, err, "register checksums"); err != nil {
		return err
	}
	resp, err = r.Put(client.base+"/copy_progress/target", req.BodyJSON(string(target)), ctx)
	if _, err := client.check(resp, err, "set target"); err != nil {
		return err
	}

	resp, err = r.Post(client.base+"/", uploads, ctx)
	res, err := client.check(resp, err, "upload files")
	if err != nil {
		return err
	}
	jobID := res.Get("job_id").String()
	fmt.Printf("✅ %s (job %s)\n", res.Get("ok").String(), jobID)

	if !uploadWatch {
		return nil
	}
	return client.watch(ctx, jobID, target)
}

// watch polls the job until the history records a terminal status.
func (u *uploadClient) watch(ctx context.Context, jobID string, target model.Target) error {
	interactive := term.IsTerminal(int(os.Stdout.Fd()))

	var bar *progressbar.ProgressBar
	if interactive {
		bar = progressbar.NewOptions64(100,
			progressbar.OptionSetDescription("waiting"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionThrottle(200*time.Millisecond),
			progressbar.OptionClearOnFinish(),
		)
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	last := ""
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		resp, err := u.r.Get(u.base+"/", ctx)
		doc, err := u.check(resp, err, "poll status")
		if err != nil {
			return err
		}

		file, pct, stage := progressOf(doc, target)
		if interactive {
			bar.Describe(strings.TrimSpace(stage + " " + file))
			bar.Set64(int64(pct))
		} else if line := fmt.Sprintf("%s %s %.1f", file, stage, pct); line != last {
			slog.Info("upload_progress", "job_id", jobID, "file", file, "stage", stage, "percent", pct)
			last = line
		}

		job := doc.Get(fmt.Sprintf(`jobs.#(id==%q)`, jobID))
		switch job.Get("status").String() {
		case "succeeded":
			if bar != nil {
				bar.Finish()
			}
			fmt.Printf("✅ Job %s succeeded\n", jobID)
			return nil
		case "failed":
			if bar != nil {
				bar.Finish()
			}
			return fmt.Errorf("job %s failed: %s", jobID, job.Get("error_message").String())
		case "":
			// Not in the recent history window yet.
		}
	}
}

func progressOf(doc gjson.Result, target model.Target) (file string, pct float64, stage string) {
	cp := doc.Get("copy_progress")
	if target == model.TargetFlash {
		return cp.Get("flash.file_name").String(), cp.Get("flash.progress").Float(), cp.Get("flash_copy_stage").String()
	}
	return cp.Get("file_name").String(), cp.Get("progress").Float(), ""
}
