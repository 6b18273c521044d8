package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/dmitrijs2005/medvault/internal/netx"
)

// HTTPUploader PUTs each object to <base>/<key>. It fits presigned-style
// endpoints and simple object gateways.
type HTTPUploader struct {
	base   string
	client *http.Client
}

func NewHTTPUploader(base string, client *http.Client) (*HTTPUploader, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("http transport: invalid upload url %q", base)
	}
	return &HTTPUploader{base: strings.TrimRight(base, "/"), client: client}, nil
}

func (u *HTTPUploader) Name() string { return "http" }

func (u *HTTPUploader) Upload(ctx context.Context, obj Object) error {
	key := obj.Key
	if key == "" {
		key = ObjectKey("", obj.Record)
	}

	hdr := http.Header{}
	hdr.Set("X-Medvault-Id", obj.Record.ID)
	hdr.Set("X-Medvault-Category", string(obj.Record.Category))

	err := netx.Put(ctx, u.client, u.base+"/"+url.PathEscape(key), obj.Body, obj.Size, hdr)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var se *netx.StatusError
	if errors.As(err, &se) {
		return classify(err, permanentStatus(se.StatusCode))
	}
	return classify(err, false)
}
