package mqttclient

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"storage-bridge/internal/models"
)

// ErrCertificate CA证书缺失或不可解析
// 监管器据此停止自动重试：证书不变的情况下重连不可能成功，
// 只有快照变化时才再次尝试
var ErrCertificate = errors.New("ca certificate error")

// NewTLSConfig 根据TLS模式构造安全上下文
// 纯函数，不打开任何socket：
//   - disabled: 返回nil，走明文传输
//   - insecure: 跳过服务端证书校验（显式不安全，接受自签名证书）
//   - verified: 加载CA证书并做完整链校验
func NewTLSConfig(mode models.TLSMode, caCertPath string) (*tls.Config, error) {
	switch mode {
	case models.TLSDisabled, "":
		return nil, nil

	case models.TLSInsecure:
		return &tls.Config{
			InsecureSkipVerify: true, // #nosec G402 -- 配置显式要求跳过校验
		}, nil

	case models.TLSVerified:
		if caCertPath == "" {
			// 不指定CA时使用系统证书池
			return &tls.Config{}, nil
		}
		pem, err := os.ReadFile(caCertPath)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read %s: %v", ErrCertificate, caCertPath, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: no valid certificates in %s", ErrCertificate, caCertPath)
		}
		return &tls.Config{RootCAs: pool}, nil

	default:
		return nil, fmt.Errorf("unknown tls mode: %q", mode)
	}
}
