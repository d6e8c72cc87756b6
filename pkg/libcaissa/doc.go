//
// libcaissa is the client of the caissa POS backend used by the session core.
//

// Create client
//
//	client, err := libcaissa.NewDefaultClient("https://pos.resto.lan")
//	if err != nil {
//		log.Fatal(err)
//	}
//
// Authenticate
//
//	payload, err := client.SignIn("george.abitbol@resto.lan", "12345678")
//	if err != nil {
//		log.Fatal(err)
//	}
//	// payload.Token is the bearer credential of the session,
//	// payload.User/Permissions/Limits are the authorization snapshot.
//
// Revalidate an existing session
//
//	client.SetBearerToken(token)
//	payload, err = client.CheckSession(ctx)
//	if err != nil {
//		var apierr *libcaissa.APIError
//		if errors.As(err, &apierr) && apierr.StatusCode == 401 {
//			// token rejected by the server
//		}
//	}
package libcaissa
