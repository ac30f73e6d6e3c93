package main

import (
	"fmt"
	"io"
	"log"

	"skyhack.ai/internal/config"
	"skyhack.ai/internal/persistence/archive"
)

// openArchive returns nil when archiving is off.
func openArchive(cfg config.Config, logger *log.Logger) (*archive.Uploader, error) {
	if !cfg.Archive.Enabled() {
		return nil, nil
	}
	bucket, err := archive.NewBucket(archive.BucketConfig{
		Endpoint:        cfg.Archive.Endpoint,
		Bucket:          cfg.Archive.Bucket,
		Region:          cfg.Archive.Region,
		AccessKeyID:     cfg.Archive.AccessKeyID,
		SecretAccessKey: cfg.Archive.SecretAccessKey,
	})
	if err != nil {
		return nil, err
	}
	logger.Printf("archive enabled endpoint=%s bucket=%s prefix=%s", cfg.Archive.Endpoint, cfg.Archive.Bucket, cfg.Archive.Prefix)
	return archive.NewUploader(bucket, archive.UploaderOptions{
		DataDir:   cfg.DataDir,
		Prefix:    cfg.Archive.Prefix,
		Workers:   cfg.Archive.Workers,
		QueueSize: cfg.Archive.QueueSize,
		Logger:    logger,
	}), nil
}

func writeArchiveMetrics(w io.Writer, up *archive.Uploader) {
	if up == nil {
		return
	}
	st := up.Stats()
	fmt.Fprintf(w, "# HELP skyhack_archive_queue_depth Sealed turn logs waiting for upload.\n")
	fmt.Fprintf(w, "# TYPE skyhack_archive_queue_depth gauge\n")
	fmt.Fprintf(w, "skyhack_archive_queue_depth %d\n", st.QueueDepth)
	fmt.Fprintf(w, "# HELP skyhack_archive_uploads_total Turn-log uploads by result.\n")
	fmt.Fprintf(w, "# TYPE skyhack_archive_uploads_total counter\n")
	fmt.Fprintf(w, "skyhack_archive_uploads_total{result=\"ok\"} %d\n", st.Uploaded)
	fmt.Fprintf(w, "skyhack_archive_uploads_total{result=\"failed\"} %d\n", st.Failed)
	fmt.Fprintf(w, "skyhack_archive_uploads_total{result=\"dropped\"} %d\n", st.Dropped)
	if !st.LastSuccess.IsZero() {
		fmt.Fprintf(w, "# HELP skyhack_archive_last_success_unix Time of the last successful upload.\n")
		fmt.Fprintf(w, "# TYPE skyhack_archive_last_success_unix gauge\n")
		fmt.Fprintf(w, "skyhack_archive_last_success_unix %d\n", st.LastSuccess.Unix())
	}
}
