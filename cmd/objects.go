package cmd

import (
	"context"
	"fmt"
	"sort"

	"github.com/airframesio/db-backup/cmd/storage"
	"github.com/spf13/cobra"
)

var listPrefix string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List backup objects in the bucket",
	Long:  `List the objects under --prefix (default: every object) with their size and modification time, oldest first.`,
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Delete a backup object from the bucket",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

func init() {
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(deleteCmd)

	listCmd.Flags().StringVar(&listPrefix, "prefix", "", "only list keys starting with this prefix")
}

type objectLister interface {
	List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error)
}

// listObjects returns the objects under prefix sorted by modification time
func listObjects(ctx context.Context, client objectLister, prefix string) ([]storage.ObjectInfo, int64, error) {
	objects, err := client.List(ctx, prefix)
	if err != nil {
		return nil, 0, err
	}
	sort.SliceStable(objects, func(i, j int) bool {
		if objects[i].LastModified.Equal(objects[j].LastModified) {
			return objects[i].Key < objects[j].Key
		}
		return objects[i].LastModified.Before(objects[j].LastModified)
	})

	var total int64
	for _, obj := range objects {
		total += obj.Size
	}
	return objects, total, nil
}

// storageCommandClient loads and checks the storage settings shared by the
// object commands.
func storageCommandClient() (*Config, *storage.Client, error) {
	config := loadConfig()
	initLogger(config.Debug, config.LogFormat, config.LogLevel)

	if err := config.ValidateStorage(); err != nil {
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	client, err := newStorageClient(config, logger)
	if err != nil {
		return nil, nil, err
	}
	return config, client, nil
}

func runList(cmd *cobra.Command, _ []string) error {
	_, client, err := storageCommandClient()
	if err != nil {
		return err
	}

	objects, total, err := listObjects(commandContext(cmd), client, listPrefix)
	if err != nil {
		return err
	}

	if len(objects) == 0 {
		logger.Info(fmt.Sprintf("No objects under s3://%s/%s", client.Bucket(), listPrefix))
		return nil
	}

	logger.Info(fmt.Sprintf("📦 s3://%s/%s", client.Bucket(), listPrefix))
	for _, obj := range objects {
		logger.Info(fmt.Sprintf("   %s  %10s  %s", obj.LastModified.Format("2006-01-02 15:04:05"), formatBytes(obj.Size), obj.Key))
	}
	logger.Info(fmt.Sprintf("   %d object(s), %s total", len(objects), formatBytes(total)))
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	_, client, err := storageCommandClient()
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)
	key := args[0]
	// S3 deletes are idempotent, so check first to report a missing key.
	if _, _, err := client.Stat(ctx, key); err != nil {
		return err
	}
	if err := client.Delete(ctx, key); err != nil {
		return err
	}
	logger.Info(fmt.Sprintf("🗑️  Deleted s3://%s/%s", client.Bucket(), key))
	return nil
}
