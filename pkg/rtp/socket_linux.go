//go:build linux

package rtp

import (
	"golang.org/x/sys/unix"
)

// Приоритет сокета для интерактивного аудио
const voiceSocketPriority = 6

// setSockOptDSCP устанавливает DSCP маркировку для IPv4 и IPv6 и приоритет сокета
func setSockOptDSCP(fd, dscp int) error {
	// DSCP находится в старших 6 битах TOS поля
	tos := dscp << 2

	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, tos); err != nil {
		return err
	}
	// IPv6 сокет может отсутствовать, ошибка не критична
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
	// В контейнерах без CAP_NET_ADMIN приоритет выше 6 не разрешен
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PRIORITY, voiceSocketPriority)
	return nil
}

// setSockOptBuffers увеличивает буферы сокета под голосовой трафик
func setSockOptBuffers(fd, size int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, size); err != nil {
		return err
	}
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, size)
}
