// Command mkfs builds a fresh ext2 disk image and populates it from a
// host skeleton directory, the Go-native counterpart to biscuit's
// mkfs/mkfs.go (which links the bootloader and kernel images onto a
// biscuit ufs image before copying in a skeleton tree). This port has
// no bootloader/kernel-image concatenation step — a hosted kernel core
// has no boot sector to embed — so it only does the filesystem half:
// format a blank image, then walk skeldir copying files and
// directories into it through the same vfs.VFS/ext2 path a running
// kernel would use.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/transistorfet/ruxpin-sub000/internal/abi"
	"github.com/transistorfet/ruxpin-sub000/internal/block"
	"github.com/transistorfet/ruxpin-sub000/internal/elf"
	"github.com/transistorfet/ruxpin-sub000/internal/ext2"
	"github.com/transistorfet/ruxpin-sub000/internal/vfs"
)

const (
	deviceName  = "mkfs0"
	copyBufSize = 64 * 1024
)

// fileDevice adapts an *os.File to block.Device, reading and writing
// fixed-size blocks at blockNum*blockSize byte offsets.
type fileDevice struct {
	f         *os.File
	blockSize int
}

func (d *fileDevice) ReadBlock(blockNum int, buf []byte) error {
	_, err := d.f.ReadAt(buf, int64(blockNum)*int64(d.blockSize))
	return err
}

func (d *fileDevice) WriteBlock(blockNum int, buf []byte) error {
	_, err := d.f.WriteAt(buf, int64(blockNum)*int64(d.blockSize))
	return err
}

func main() {
	totalBlocks := flag.Uint("blocks", 8192, "total blocks in the formatted image (single block group, must fit one bitmap block)")
	totalInodes := flag.Uint("inodes", 512, "total inodes in the formatted image")
	verify := flag.Bool("verify", false, "disassemble every AArch64 ELF binary copied into the image and report its instruction count")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <output image> <skeleton dir>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(1)
	}
	imagePath := flag.Arg(0)
	skelDir := flag.Arg(1)

	if err := run(imagePath, skelDir, uint32(*totalBlocks), uint32(*totalInodes), *verify); err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: %v\n", err)
		os.Exit(1)
	}
}

func run(imagePath, skelDir string, totalBlocks, totalInodes uint32, verify bool) error {
	const imageBlockSize = 1024 // matches ext2.Format's fixed on-disk block size

	f, err := os.Create(imagePath)
	if err != nil {
		return fmt.Errorf("create image: %w", err)
	}
	defer f.Close()

	if err := f.Truncate(int64(totalBlocks) * imageBlockSize); err != nil {
		return fmt.Errorf("size image: %w", err)
	}

	dev := &fileDevice{f: f, blockSize: imageBlockSize}
	if err := ext2.Format(dev, ext2.FormatOptions{TotalBlocks: totalBlocks, TotalInodes: totalInodes}); err != nil {
		return fmt.Errorf("format: %w", err)
	}

	fs := ext2.NewFilesystem(map[string]block.Device{deviceName: dev})
	v := vfs.New()
	if err := v.RegisterFilesystem(fs); err != nil {
		return fmt.Errorf("register filesystem: %w", err)
	}
	if err := v.Mount(nil, "/", "ext2", deviceName, 0); err != nil {
		return fmt.Errorf("mount: %w", err)
	}

	if err := addFiles(v, skelDir, verify); err != nil {
		return fmt.Errorf("populate image: %w", err)
	}

	return v.SyncAll()
}

// addFiles walks skelDir on the host and replicates its contents into
// v, grounded on mkfs.go's addfiles/copydata walk-and-append pattern
// but driven through this repo's own vfs.VFS API rather than biscuit's
// ufs.Ufs_t/ustr.Ustr. When verify is set, every regular file that
// parses as an AArch64 ELF executable is also disassembled, catching a
// wrong-architecture or corrupt binary before it ships in the image.
func addFiles(v *vfs.VFS, skelDir string, verify bool) error {
	root := v.Root()
	return filepath.WalkDir(skelDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("access %q: %w", path, err)
		}
		rel, err := filepath.Rel(skelDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := "/" + filepath.ToSlash(rel)

		if d.IsDir() {
			if err := v.MakeDirectory(root, target, vfs.AccessOwnerRead|vfs.AccessOwnerWrite|vfs.AccessOwnerExecute|vfs.AccessOtherRead|vfs.AccessOtherExecute, 0); err != nil {
				return fmt.Errorf("mkdir %q: %w", target, err)
			}
			return nil
		}

		fp, err := v.Open(root, target, vfs.OpenWrite|vfs.OpenCreate|vfs.OpenTruncate, vfs.AccessOwnerRead|vfs.AccessOwnerWrite|vfs.AccessOtherRead, 0)
		if err != nil {
			return fmt.Errorf("create %q: %w", target, err)
		}
		if err := copyFileData(v, fp, path); err != nil {
			return fmt.Errorf("copy %q: %w", target, err)
		}
		if verify {
			verifyBinary(target, path)
		}
		return nil
	})
}

// verifyBinary disassembles path's executable segments if it parses as
// an AArch64 ELF executable, printing a one-line report; files that
// aren't ELF binaries at all are silently skipped rather than treated
// as an error, since most of a skeleton directory is ordinary data.
func verifyBinary(target, hostPath string) {
	in, err := os.Open(hostPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify %s: %v\n", target, err)
		return
	}
	defer in.Close()

	n, err := elf.VerifyExecutableSegments(in)
	if err == abi.ErrNotExecutable {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify %s: %v\n", target, err)
		return
	}
	fmt.Printf("verify %s: %d instructions decoded\n", target, n)
}

// copyFileData streams src's contents into fp via v.Write, the
// counterpart to copydata's read-chunk/Append loop.
func copyFileData(v *vfs.VFS, fp *vfs.FilePointer, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	buf := make([]byte, copyBufSize)
	for {
		n, readErr := in.Read(buf)
		if n > 0 {
			if _, err := v.Write(fp, buf[:n]); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}
