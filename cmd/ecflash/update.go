package main

import (
	"errors"
	"fmt"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/bigbag/ecflash/internal/flasher"
)

// maxPasses bounds the erase/write sweeps over the image: the first
// pass plus one retry after the EC has been moved off the refused copy.
const maxPasses = 2

func runFlash(cmd *cobra.Command, args []string) error {
	image, err := loadImage(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Image: %s (%d bytes)\n", args[0], len(image))

	f, port, err := connect()
	if err != nil {
		return err
	}
	defer port.Close()

	if uint32(len(image)) > f.Geometry().FlashSize {
		return fmt.Errorf("image (%d bytes) larger than EC flash (%d bytes)",
			len(image), f.Geometry().FlashSize)
	}

	// Move the EC to RO so the RW copies stop executing. A refused
	// jump is not fatal: blocks inside the executing copy will simply
	// be deferred to the second pass.
	if err := f.Prepare(image); err != nil {
		if !errors.Is(err, flasher.ErrJumpFailed) {
			return err
		}
		fmt.Println("Warning: EC kept its current firmware copy; some blocks may need a second pass")
	}

	for pass := 1; ; pass++ {
		fmt.Printf("\nPass %d:\n", pass)
		if err := sweep(f, image); err != nil {
			return err
		}

		verdict, err := f.NeedSecondPass()
		switch verdict {
		case flasher.PassDone:
		case flasher.PassSecondRequired:
			if pass >= maxPasses {
				return fmt.Errorf("blocks still refused after %d passes", pass)
			}
			fmt.Println("Some blocks overlapped the running firmware; EC rebooted, running second pass")
			continue
		case flasher.PassNoBootableCopy:
			return fmt.Errorf("UPDATE INCOMPLETE, the EC may not boot: %w", err)
		}
		break
	}

	fmt.Println("\nBooting updated firmware...")
	if err := f.Finish(); err != nil {
		return fmt.Errorf("failed to boot updated firmware: %w", err)
	}
	fmt.Println("Done!")
	return nil
}

// sweep is one erase/write pass over the whole image, erase-block by
// erase-block. Blocks the EC refuses are skipped; the session decides
// afterwards whether another pass is needed.
func sweep(f *flasher.Flasher, image []byte) error {
	blockSize := f.Geometry().EraseBlockSize
	total := (uint32(len(image)) + blockSize - 1) / blockSize

	bar := progressbar.NewOptions(int(total),
		progressbar.OptionSetDescription("Flashing"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(false),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	defer bar.Finish()

	deferred := 0
	for addr := uint32(0); addr < uint32(len(image)); addr += blockSize {
		end := min(addr+blockSize, uint32(len(image)))

		if err := f.Erase(addr, end-addr); err != nil {
			if errors.Is(err, flasher.ErrAccessDenied) {
				deferred++
				bar.Add(1)
				continue
			}
			return fmt.Errorf("erase block %#x: %w", addr, err)
		}

		if err := f.Write(addr, image[addr:end]); err != nil {
			if errors.Is(err, flasher.ErrAccessDenied) {
				deferred++
				bar.Add(1)
				continue
			}
			return fmt.Errorf("write block %#x: %w", addr, err)
		}

		bar.Add(1)
	}

	if deferred > 0 {
		fmt.Printf("%d block(s) deferred (overlap the running firmware copy)\n", deferred)
	}
	return nil
}
