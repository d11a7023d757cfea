//go:build !unix

package channel

func setNonblock(fd int) error {
	return nil
}
