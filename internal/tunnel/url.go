package tunnel

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/gluk-w/appmirror/internal/remote"
)

// ConnectionURL derives a client URL for a tunneled resource from its
// credentials. Kinds without a database-style credential set yield "".
func ConnectionURL(res remote.Resource, port int) string {
	c := res.Credentials
	host := fmt.Sprintf("127.0.0.1:%d", port)
	switch kind(res.Kind) {
	case "mysql", "mariadb":
		return fmt.Sprintf("jdbc:mysql://%s/%s", host, c[remote.CredName])
	case "postgresql", "postgres", "elephantsql":
		return fmt.Sprintf("jdbc:postgresql://%s/%s", host, c[remote.CredName])
	case "mongodb":
		u := url.URL{Scheme: "mongodb", Host: host, Path: "/" + c[remote.CredName], User: userinfo(c)}
		return u.String()
	case "redis":
		u := url.URL{Scheme: "redis", Host: host}
		if pw := c[remote.CredPassword]; pw != "" {
			u.User = url.UserPassword("", pw)
		}
		return u.String()
	case "rabbitmq":
		vhost := c[remote.CredVHost]
		if vhost == "" {
			vhost = c[remote.CredName]
		}
		u := url.URL{Scheme: "amqp", Host: host, Path: "/" + vhost, User: userinfo(c)}
		return u.String()
	default:
		return ""
	}
}

// kind normalizes "MySQL", "mysql-5.7" and similar to the base kind.
func kind(k string) string {
	k = strings.ToLower(k)
	if i := strings.IndexAny(k, "-:"); i > 0 {
		k = k[:i]
	}
	return k
}

func userinfo(c map[string]string) *url.Userinfo {
	user, pw := c[remote.CredUsername], c[remote.CredPassword]
	switch {
	case user == "" && pw == "":
		return nil
	case pw == "":
		return url.User(user)
	default:
		return url.UserPassword(user, pw)
	}
}
