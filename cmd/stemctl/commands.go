package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cuongbtq/stemsplit/internal/api/dto"
	"github.com/cuongbtq/stemsplit/internal/config"
	"github.com/cuongbtq/stemsplit/internal/domain"
)

func newSeparateCommand(ctx *commandContext) *cobra.Command {
	var wait bool
	var local bool
	var downloadDir string
	tracks := config.Default().Engine.Tracks

	cmd := &cobra.Command{
		Use:   "separate <file>",
		Short: "Separate an audio file on the server or locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if local {
				return separateLocally(cmd, ctx, args[0])
			}

			client, err := ctx.client()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			uploaded, err := client.upload(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("upload %s: %w", args[0], err)
			}
			fmt.Fprintf(out, "Job %s: %s\n", uploaded.JobID, uploaded.Message)
			if !wait && downloadDir == "" {
				return nil
			}

			final, err := client.watch(cmd.Context(), uploaded.JobID, func(msg dto.EventMessage) {
				fmt.Fprintln(out, describeEvent(msg.Data))
			})
			if err != nil {
				return err
			}
			if final.Data.Status == domain.JobStatusFailed {
				return fmt.Errorf("job %s failed: %s", uploaded.JobID, final.Data.Error)
			}
			fmt.Fprintf(out, "Job %s complete\n", uploaded.JobID)

			if downloadDir == "" {
				return nil
			}
			return downloadTracks(cmd, client, uploaded.JobID, tracks, downloadDir)
		},
	}

	cmd.Flags().BoolVarP(&wait, "wait", "w", true, "Wait for the job to finish")
	cmd.Flags().BoolVar(&local, "local", false, "Run the engine in this process instead of uploading")
	cmd.Flags().StringVarP(&downloadDir, "download", "d", "", "Download every track into this directory when done")
	cmd.Flags().StringSliceVar(&tracks, "tracks", tracks, "Tracks to download")
	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job_id>",
		Short: "Show the status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			status, err := client.status(cmd.Context(), args[0])
			if isNotFound(err) {
				return fmt.Errorf("job %s not found", args[0])
			}
			if err != nil {
				return err
			}
			rows := [][]string{
				{"Job", status.JobID},
				{"Status", status.Status},
				{"File", status.Filename},
			}
			if status.Error != "" {
				rows = append(rows, []string{"Error", status.Error})
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, rows))
			return nil
		},
	}
}

func newJobsCommand(ctx *commandContext) *cobra.Command {
	var status string
	var limit int
	var all bool

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}

			var jobs []dto.JobDTO
			cursor := ""
			for {
				page, err := client.listJobs(cmd.Context(), status, limit, cursor)
				if err != nil {
					return err
				}
				jobs = append(jobs, page.Jobs...)
				if !all || page.NextCursor == "" {
					break
				}
				cursor = page.NextCursor
			}

			writeJobsTable(cmd.OutOrStdout(), jobs)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Only show jobs in this status (queued, processing, complete, failed)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Jobs per page")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Follow pagination until every job is listed")
	return cmd
}

func newDownloadCommand(ctx *commandContext) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "download <job_id> <track>...",
		Short: "Download separated tracks of a finished job",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			return downloadTracks(cmd, client, args[0], args[1:], dir)
		},
	}

	cmd.Flags().StringVarP(&dir, "dir", "o", ".", "Destination directory")
	return cmd
}

func newDeleteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job_id>",
		Short: "Delete a job and its files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			if err := client.deleteJob(cmd.Context(), args[0]); err != nil {
				if isNotFound(err) {
					return fmt.Errorf("job %s not found", args[0])
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted job %s\n", args[0])
			return nil
		},
	}
}

func downloadTracks(cmd *cobra.Command, client *apiClient, jobID string, tracks []string, dir string) error {
	var errs []error
	for _, track := range tracks {
		path, err := client.download(cmd.Context(), jobID, track, dir)
		if err != nil {
			errs = append(errs, fmt.Errorf("download %s: %w", track, err))
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Saved %s\n", path)
	}
	return errors.Join(errs...)
}

func writeJobsTable(w io.Writer, jobs []dto.JobDTO) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs")
		return
	}
	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		detail := strings.Join(job.Tracks, ", ")
		if job.Error != "" {
			detail = job.Error
		}
		rows = append(rows, []string{job.JobID, job.Status, job.Filename, detail, job.CreatedAt})
	}
	fmt.Fprint(w, renderTable([]string{"ID", "Status", "File", "Tracks / Error", "Created"}, rows))
}

func describeEvent(ev domain.Event) string {
	switch {
	case ev.Error != "":
		return fmt.Sprintf("[%s] %s", ev.Status, ev.Error)
	case ev.Message != "":
		return fmt.Sprintf("[%s] %s", ev.Status, ev.Message)
	default:
		return fmt.Sprintf("[%s]", ev.Status)
	}
}
