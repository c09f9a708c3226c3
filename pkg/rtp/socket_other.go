//go:build !linux

package rtp

// QoS маркировка поддерживается только на Linux
func setSockOptDSCP(fd, dscp int) error {
	return nil
}

func setSockOptBuffers(fd, size int) error {
	return nil
}
