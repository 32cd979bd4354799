package providers

import (
	"go.uber.org/zap"

	"go.waggle.dev/waggle/pkg/signature"
)

// PayloadSignature is the signature minted for this server incarnation.
type PayloadSignature string

// NewSigner builds the per-process signature signer.
func NewSigner() (*signature.Signer, error) {
	return signature.NewRandomSigner()
}

// NewPayloadSignature mints the instance signature handed to workers.
func NewPayloadSignature(signer *signature.Signer, log *zap.Logger) (PayloadSignature, error) {
	sig, err := signer.Mint()
	if err != nil {
		return "", err
	}
	log.Info("Minted payload signature for this incarnation")
	return PayloadSignature(sig), nil
}
