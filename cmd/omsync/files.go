package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/storage/repo"
	"github.com/RustWorks/open-msupply-inventory-pos-warehouse/internal/ui"
)

var filesCmd = &cobra.Command{
	Use:     "files",
	GroupID: "inspect",
	Short:   "List sync file transfers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		n, err := openNode(false)
		if err != nil {
			return err
		}
		defer n.Close()

		refs, err := repo.NewFileRepo(n.database.Conn()).List(cmd.Context())
		if err != nil {
			return err
		}
		if len(refs) == 0 {
			fmt.Println(ui.RenderMuted("No sync files"))
			return nil
		}

		rows := make([][]string, len(refs))
		for i := range refs {
			rows[i] = fileRow(&refs[i])
		}
		fmt.Println(ui.Table([]string{"ID", "File", "Direction", "Status", "Progress", "Retries", "Error"}, rows))
		return nil
	},
}

var filesRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Make a failed transfer due again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode(false)
		if err != nil {
			return err
		}
		defer n.Close()

		if err := repo.NewFileRepo(n.database.Conn()).Retry(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("%s %s queued for the next file pass\n", ui.RenderPass("✓"), args[0])
		return nil
	},
}

func init() {
	filesCmd.AddCommand(filesRetryCmd)
	rootCmd.AddCommand(filesCmd)
}

func fileRow(f *repo.SyncFileReference) []string {
	moved := f.UploadedBytes
	if f.Direction == repo.FileDownload {
		moved = f.DownloadedBytes
	}
	st := string(f.Status)
	switch f.Status {
	case repo.FileDone:
		st = ui.RenderPass(st)
	case repo.FileError:
		st = ui.RenderWarn(st)
	case repo.FilePermanentFailure:
		st = ui.RenderFail(st)
	}
	errText := ""
	if f.Error != nil {
		errText = *f.Error
	}
	return []string{
		f.ID,
		f.FileName,
		string(f.Direction),
		st,
		fmt.Sprintf("%d/%d", moved, f.TotalBytes),
		fmt.Sprint(f.Retries),
		errText,
	}
}
