package upload

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"time"
)

// fingerprintOfFile hashes the source file so a resumed session can detect
// that the file changed since the state was written.
func fingerprintOfFile(path string) (string, error) {
	hash := sha256.New()

	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close() //nolint:errcheck

	_, err = io.Copy(hash, file)
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}

// mintStorageFileName proposes a collision-resistant remote name. The remote
// may override it; whatever name the first accepted request returns is fixed
// for the rest of the session.
func mintStorageFileName(fileName string) string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), filepath.Base(fileName))
}

func resolveMimeType(explicit, fileName string) string {
	if explicit != "" {
		return explicit
	}
	if byExt := mime.TypeByExtension(filepath.Ext(fileName)); byExt != "" {
		return byExt
	}
	return "application/octet-stream"
}
