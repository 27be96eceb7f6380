package iothub

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// SASToken signs resourceURI with a base64 encoded symmetric key.
// Format: SharedAccessSignature sr={uri}&sig={signature}&se={expiry}[&skn={keyName}]
func SASToken(resourceURI, key, keyName string, expiry time.Time) (string, error) {
	if key == "" {
		return "", errors.New("SAS key is required")
	}
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("failed to decode SAS key: %w", err)
	}

	sr := url.QueryEscape(resourceURI)
	se := strconv.FormatInt(expiry.Unix(), 10)

	mac := hmac.New(sha256.New, decoded)
	mac.Write([]byte(sr + "\n" + se))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	token := fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%s", sr, url.QueryEscape(sig), se)
	if keyName != "" {
		token += "&skn=" + url.QueryEscape(keyName)
	}
	return token, nil
}

// SASPassword returns a device SAS token valid until expiry
func (c *Client) SASPassword(key string, expiry time.Time) (string, error) {
	return SASToken(c.hostName+"/"+c.deviceTopicBase(), key, "", expiry)
}
